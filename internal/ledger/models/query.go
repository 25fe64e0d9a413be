package models

import (
	"time"

	audit "ledger/pkg/platform/audit"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// QueryFilter selects entries for read access. Nil/empty fields do not filter.
// Time bounds are [Start, End).
type QueryFilter struct {
	Start       *time.Time
	End         *time.Time
	TenantID    string
	ActorUserID string
	EventTypes  []audit.EventType
	MinHeight   *int64
	MaxHeight   *int64
	Limit       int
	Offset      int
}

// Normalize applies limit defaults and caps.
func (f *QueryFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Matches reports whether e passes every non-empty filter field.
// Limit and Offset are not considered.
func (f *QueryFilter) Matches(e *Entry) bool {
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && !e.Timestamp.Before(*f.End) {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.ActorUserID != "" && e.ActorUserID != f.ActorUserID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinHeight != nil && e.BlockHeight < *f.MinHeight {
		return false
	}
	if f.MaxHeight != nil && e.BlockHeight > *f.MaxHeight {
		return false
	}
	return true
}
