package service

import (
	"context"
	"fmt"

	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/audit"
)

// LoginAttempt describes one authentication attempt reported by the session
// collaborator.
type LoginAttempt struct {
	UserID    string
	TenantID  string
	IPAddress string
	UserAgent string
	Success   bool
	Reason    string
	Country   string
}

// RecordLoginAttempt records a login_attempt entry whose result reflects
// a.Success.
func (s *Service) RecordLoginAttempt(ctx context.Context, a LoginAttempt) (*models.Entry, error) {
	var meta audit.Metadata
	if a.Reason != "" {
		meta = meta.With("reason", a.Reason)
	}
	if a.Country != "" {
		meta = meta.With(audit.MetaCountry, a.Country)
	}
	return s.Record(ctx, audit.Event{
		EventType:    audit.EventLoginAttempt,
		Action:       "login",
		Result:       resultOf(a.Success),
		ActorUserID:  a.UserID,
		TenantID:     a.TenantID,
		ResourceType: "session",
		IPAddress:    a.IPAddress,
		UserAgent:    a.UserAgent,
		Metadata:     meta,
	})
}

// RecordKeyOperation records a key lifecycle event. op must be one of the
// key_* event types.
func (s *Service) RecordKeyOperation(ctx context.Context, op audit.EventType, actorID, tenantID, keyID string, success bool) (*models.Entry, error) {
	switch op {
	case audit.EventKeyCreated, audit.EventKeyRotated, audit.EventKeyRevoked:
	default:
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%q is not a key operation", op))
	}
	return s.Record(ctx, audit.Event{
		EventType:    op,
		Action:       string(op),
		Result:       resultOf(success),
		ActorUserID:  actorID,
		TenantID:     tenantID,
		ResourceType: "key",
		ResourceID:   keyID,
	})
}

// RecordSecurityEvent records a security-category event with a free-text
// description.
func (s *Service) RecordSecurityEvent(ctx context.Context, eventType audit.EventType, actorID, tenantID, description string, meta audit.Metadata) (*models.Entry, error) {
	if eventType.Category() != audit.CategorySecurity {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%q is not a security event", eventType))
	}
	if description != "" {
		meta = meta.With("description", description)
	}
	return s.Record(ctx, audit.Event{
		EventType:   eventType,
		Action:      string(eventType),
		Result:      audit.ResultSuccess,
		ActorUserID: actorID,
		TenantID:    tenantID,
		Metadata:    meta,
	})
}

// DataAccess describes a read or export of a protected resource.
type DataAccess struct {
	UserID       string
	TenantID     string
	ResourceType string
	ResourceID   string
	IPAddress    string
	Export       bool
}

// RecordDataAccess records data_read, or data_export when d.Export is set.
func (s *Service) RecordDataAccess(ctx context.Context, d DataAccess) (*models.Entry, error) {
	eventType, action := audit.EventDataRead, "read"
	if d.Export {
		eventType, action = audit.EventDataExport, "export"
	}
	return s.Record(ctx, audit.Event{
		EventType:    eventType,
		Action:       action,
		Result:       audit.ResultSuccess,
		ActorUserID:  d.UserID,
		TenantID:     d.TenantID,
		ResourceType: d.ResourceType,
		ResourceID:   d.ResourceID,
		IPAddress:    d.IPAddress,
	})
}

func resultOf(success bool) audit.Result {
	if success {
		return audit.ResultSuccess
	}
	return audit.ResultFailure
}
