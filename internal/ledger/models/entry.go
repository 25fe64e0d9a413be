package models

import (
	"time"

	"github.com/google/uuid"

	audit "ledger/pkg/platform/audit"
)

// TimestampPrecision is the resolution stored timestamps are truncated to.
// PostgreSQL timestamptz keeps microseconds; anything finer would change the
// signed content on the first round trip.
const TimestampPrecision = time.Microsecond

// Entry is one recorded event. Content fields are covered by Signature;
// PreviousHash links it to the entry recorded immediately before it.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	EventType audit.EventType `json:"eventType"`
	Action    string          `json:"action"`
	Result    audit.Result    `json:"result"`

	ActorUserID  string         `json:"actorUserId,omitempty"`
	TenantID     string         `json:"tenantId,omitempty"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	IPAddress    string         `json:"ipAddress,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	Metadata     audit.Metadata `json:"metadata,omitempty"`

	Signature    string `json:"integritySignature"`
	KeyVersion   int    `json:"keyVersion"`
	PreviousHash string `json:"previousEntryHash"`
	BlockHash    string `json:"blockHash"`
	BlockHeight  int64  `json:"blockHeight"`
}

// NewEntry builds an unsigned, unlinked entry from an inbound event.
func NewEntry(id uuid.UUID, at time.Time, e audit.Event) *Entry {
	return &Entry{
		ID:           id,
		Timestamp:    NormalizeTime(at),
		EventType:    e.EventType,
		Action:       e.Action,
		Result:       e.Result,
		ActorUserID:  e.ActorUserID,
		TenantID:     e.TenantID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Metadata:     e.Metadata.Clone(),
	}
}

// NormalizeTime converts t to the stored representation.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

// IsSealed reports whether the entry belongs to a block.
func (e *Entry) IsSealed() bool {
	return e.BlockHeight > 0
}

// IsGenesis reports whether the entry is the first in the ledger.
func (e *Entry) IsGenesis() bool {
	return e.PreviousHash == ""
}

// HasValidText reports whether every text field and metadata pair is
// well-formed UTF-8 without NUL, as Event.Validate requires on the way in.
func (e *Entry) HasValidText() bool {
	fields := []string{
		string(e.EventType), e.Action, string(e.Result), e.ActorUserID, e.TenantID,
		e.ResourceType, e.ResourceID, e.IPAddress, e.UserAgent,
	}
	for _, f := range fields {
		if !audit.ValidText(f) {
			return false
		}
	}
	for k, v := range e.Metadata {
		if !audit.ValidText(k) || !audit.ValidText(v) {
			return false
		}
	}
	return true
}

// Category returns the audit category of the entry's event type.
func (e *Entry) Category() audit.EventCategory {
	return e.EventType.Category()
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = e.Metadata.Clone()
	return &c
}

// ChainHead is the link target for the next append: the hash and sequence of
// the most recently recorded entry. The zero value is the empty ledger.
type ChainHead struct {
	Sequence  int64
	EntryHash string
}

// IsEmpty reports whether no entry has been recorded yet.
func (h ChainHead) IsEmpty() bool {
	return h.Sequence == 0
}
