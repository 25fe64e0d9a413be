// Package anomaly runs windowed heuristics over recent ledger entries and
// reports suspicious activity as findings.
package anomaly

import (
	"time"

	"github.com/google/uuid"
)

// Type names a heuristic.
type Type string

const (
	TypeMultipleFailedLogins Type = "multiple_failed_logins"
	TypeBruteForce           Type = "brute_force_attack"
	TypeCredentialStuffing   Type = "credential_stuffing"
	TypeExcessiveDataAccess  Type = "excessive_data_access"
	TypeDataExfiltration     Type = "potential_data_exfiltration"
	TypeOffHoursActivity     Type = "off_hours_activity"
	TypeMultipleIPAddresses  Type = "multiple_ip_addresses"
	TypeImpossibleTravel     Type = "impossible_travel"
)

// Severity ranks findings for alert routing.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Finding is one heuristic hit. It is transient: nothing about it is stored
// unless RecordFinding turns it into a ledger entry.
type Finding struct {
	IsAnomalous    bool        `json:"isAnomalous"`
	Type           Type        `json:"type"`
	Severity       Severity    `json:"severity"`
	Description    string      `json:"description"`
	AffectedUserID string      `json:"affectedUserId,omitempty"`
	TenantID       string      `json:"tenantId,omitempty"`
	SourceIP       string      `json:"sourceIp,omitempty"`
	WindowStart    time.Time   `json:"windowStart"`
	WindowEnd      time.Time   `json:"windowEnd"`
	ObservedCount  int         `json:"observedCount"`
	Threshold      int         `json:"threshold"`
	DetectedAt     time.Time   `json:"detectedAt"`
	EntryIDs       []uuid.UUID `json:"entryIds,omitempty"`
}
