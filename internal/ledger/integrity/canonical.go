// Package integrity computes the ledger's signatures and hashes: entry HMACs,
// entry hashes for the chain, block header hashes and Merkle roots.
//
// Every function here is deterministic over stored fields so a verifier with
// the same key can recompute anything a writer produced.
package integrity

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
	"unicode/utf8"

	"ledger/internal/ledger/models"
)

// canonicalContent fixes the field order of the signed content. Metadata is
// a map, which encoding/json writes with sorted keys.
type canonicalContent struct {
	ID           string            `json:"id"`
	Timestamp    string            `json:"timestamp"`
	EventType    string            `json:"eventType"`
	Action       string            `json:"action"`
	Result       string            `json:"result"`
	ActorUserID  string            `json:"actorUserId"`
	TenantID     string            `json:"tenantId"`
	ResourceType string            `json:"resourceType"`
	ResourceID   string            `json:"resourceId"`
	IPAddress    string            `json:"ipAddress"`
	UserAgent    string            `json:"userAgent"`
	Metadata     map[string]string `json:"metadata"`
	KeyVersion   int               `json:"keyVersion"`
}

// canonicalLink is what the chain hashes: content, its signature and the
// link to the predecessor. Block fields are left out so the hash survives
// sealing.
type canonicalLink struct {
	canonicalContent
	Signature    string `json:"integritySignature"`
	PreviousHash string `json:"previousEntryHash"`
}

type canonicalHeader struct {
	Height            string `json:"height"`
	PreviousBlockHash string `json:"previousBlockHash"`
	Timestamp         string `json:"timestamp"`
	MerkleRoot        string `json:"merkleRoot"`
}

func formatTime(t time.Time) string {
	return models.NormalizeTime(t).Format(time.RFC3339Nano)
}

// canonicalText keeps the encoding injective. encoding/json folds every
// invalid byte into U+FFFD, so such strings are written as hex behind a NUL
// prefix instead. Accepted events never contain NUL.
func canonicalText(v string) string {
	if utf8.ValidString(v) {
		return v
	}
	return "\x00" + hex.EncodeToString([]byte(v))
}

func contentOf(e *models.Entry) canonicalContent {
	meta := map[string]string{}
	for k, v := range e.Metadata {
		meta[canonicalText(k)] = canonicalText(v)
	}
	return canonicalContent{
		ID:           e.ID.String(),
		Timestamp:    formatTime(e.Timestamp),
		EventType:    canonicalText(string(e.EventType)),
		Action:       canonicalText(e.Action),
		Result:       canonicalText(string(e.Result)),
		ActorUserID:  canonicalText(e.ActorUserID),
		TenantID:     canonicalText(e.TenantID),
		ResourceType: canonicalText(e.ResourceType),
		ResourceID:   canonicalText(e.ResourceID),
		IPAddress:    canonicalText(e.IPAddress),
		UserAgent:    canonicalText(e.UserAgent),
		Metadata:     meta,
		KeyVersion:   e.KeyVersion,
	}
}

// CanonicalContent returns the bytes covered by an entry's signature.
func CanonicalContent(e *models.Entry) []byte {
	return mustMarshal(contentOf(e))
}

// CanonicalLink returns the bytes covered by an entry's chain hash.
func CanonicalLink(e *models.Entry) []byte {
	return mustMarshal(canonicalLink{
		canonicalContent: contentOf(e),
		Signature:        canonicalText(e.Signature),
		PreviousHash:     canonicalText(e.PreviousHash),
	})
}

// CanonicalHeader returns the bytes covered by a block hash.
func CanonicalHeader(h models.BlockHeader) []byte {
	return mustMarshal(canonicalHeader{
		Height:            strconv.FormatInt(h.Height, 10),
		PreviousBlockHash: canonicalText(h.PreviousBlockHash),
		Timestamp:         formatTime(h.Timestamp),
		MerkleRoot:        canonicalText(h.MerkleRoot),
	})
}

// mustMarshal only sees strings, ints and map[string]string, none of which
// can fail to encode.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("integrity: canonical encoding failed: " + err.Error())
	}
	return b
}
