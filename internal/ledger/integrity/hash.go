package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"ledger/internal/ledger/models"
)

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// EntryHash is the chain hash of an entry: content, signature and link.
// The next entry's PreviousHash must equal it.
func EntryHash(e *models.Entry) string {
	return Sum(CanonicalLink(e))
}

// BlockHash hashes a block header.
func BlockHash(h models.BlockHeader) string {
	return Sum(CanonicalHeader(h))
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
