package anomaly

import (
	"context"
	"strconv"
	"time"

	"ledger/internal/ledger/models"
	"ledger/pkg/platform/audit"
)

// Recorder is the ledger write path.
type Recorder interface {
	Record(ctx context.Context, event audit.Event) (*models.Entry, error)
}

// RecordFinding writes f into the ledger as an ordinary chained
// security_anomaly_detected entry.
func RecordFinding(ctx context.Context, r Recorder, f Finding) (*models.Entry, error) {
	return r.Record(ctx, FindingEvent(f))
}

// FindingEvent converts a finding to the inbound event shape.
func FindingEvent(f Finding) audit.Event {
	meta := audit.Metadata{
		"anomaly_type":   string(f.Type),
		"severity":       string(f.Severity),
		"description":    f.Description,
		"observed_count": strconv.Itoa(f.ObservedCount),
		"threshold":      strconv.Itoa(f.Threshold),
		"window_start":   f.WindowStart.UTC().Format(time.RFC3339Nano),
		"window_end":     f.WindowEnd.UTC().Format(time.RFC3339Nano),
		"evidence_count": strconv.Itoa(len(f.EntryIDs)),
	}
	return audit.Event{
		EventType:    audit.EventAnomalyDetected,
		Action:       "detect_" + string(f.Type),
		Result:       audit.ResultSuccess,
		ActorUserID:  f.AffectedUserID,
		TenantID:     f.TenantID,
		ResourceType: "anomaly",
		ResourceID:   string(f.Type),
		IPAddress:    f.SourceIP,
		Metadata:     meta,
	}
}
