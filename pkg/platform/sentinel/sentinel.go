package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Ledger stores return these
// (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: entry or block does not exist
//   - ErrConflict: a concurrent writer or sealer changed the row set underneath us
//   - ErrInvalidState: the stored chain head disagrees with the rows it points at
//   - ErrUnavailable: the backing store cannot be reached
//   - ErrInvalidData: the backing store refused the values themselves; retrying cannot help
//
// Validation failures use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrInvalidData  = errors.New("invalid data")
)
