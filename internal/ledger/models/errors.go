package models

import "errors"

// ErrNoPendingEntries is returned by a seal when every entry already belongs
// to a block. It is a no-op signal, not a failure.
var ErrNoPendingEntries = errors.New("no pending entries to seal")
