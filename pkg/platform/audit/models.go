package audit

import (
	"sort"
)

// EventCategory classifies audit events by their primary purpose.
// The category drives notification fan-out, not integrity: every category
// is chained and sealed the same way.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance
	// (consent, user lifecycle, data exports).
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and
	// forensics. Recorded security events are streamed to the SIEM topic.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity useful for debugging.
	CategoryOperations EventCategory = "operations"
)

// EventType is the closed taxonomy accepted by the ledger.
type EventType string

const (
	// Authentication
	EventLoginAttempt    EventType = "login_attempt"
	EventLoginSuccess    EventType = "login_success"
	EventFailedLogin     EventType = "failed_login"
	EventLogout          EventType = "logout"
	EventPasswordChanged EventType = "password_changed"
	EventMFAEnabled      EventType = "mfa_enabled"
	EventSessionRevoked  EventType = "session_revoked"
	EventAccountLocked   EventType = "account_locked"

	// User and permission lifecycle
	EventUserCreated       EventType = "user_created"
	EventUserDeleted       EventType = "user_deleted"
	EventPermissionChanged EventType = "permission_changed"
	EventConsentGranted    EventType = "consent_granted"
	EventConsentRevoked    EventType = "consent_revoked"

	// Data access
	EventDataRead           EventType = "data_read"
	EventDataExport         EventType = "data_export"
	EventDataModified       EventType = "data_modified"
	EventDataDeleted        EventType = "data_deleted"
	EventDocumentUploaded   EventType = "document_uploaded"
	EventDocumentDownloaded EventType = "document_downloaded"

	// Key management
	EventKeyCreated EventType = "key_created"
	EventKeyRotated EventType = "key_rotated"
	EventKeyRevoked EventType = "key_revoked"

	// Business
	EventBookingCreated   EventType = "booking_created"
	EventBookingCancelled EventType = "booking_cancelled"
	EventPaymentProcessed EventType = "payment_processed"
	EventPaymentFailed    EventType = "payment_failed"
	EventConfigChanged    EventType = "config_changed"

	// Security signals, including ones the ledger writes about itself
	EventSecurityAlert                EventType = "security_alert"
	EventSuspiciousActivity           EventType = "suspicious_activity"
	EventAnomalyDetected              EventType = "security_anomaly_detected"
	EventAuditChainIntegrityViolation EventType = "audit_chain_integrity_violation"
)

// eventCategories maps each event type to its category and doubles as the
// closed-taxonomy membership set.
var eventCategories = map[EventType]EventCategory{
	EventLoginAttempt:    CategorySecurity,
	EventLoginSuccess:    CategoryOperations,
	EventFailedLogin:     CategorySecurity,
	EventLogout:          CategoryOperations,
	EventPasswordChanged: CategorySecurity,
	EventMFAEnabled:      CategorySecurity,
	EventSessionRevoked:  CategorySecurity,
	EventAccountLocked:   CategorySecurity,

	EventUserCreated:       CategoryCompliance,
	EventUserDeleted:       CategoryCompliance,
	EventPermissionChanged: CategorySecurity,
	EventConsentGranted:    CategoryCompliance,
	EventConsentRevoked:    CategoryCompliance,

	EventDataRead:           CategoryOperations,
	EventDataExport:         CategoryCompliance,
	EventDataModified:       CategoryCompliance,
	EventDataDeleted:        CategoryCompliance,
	EventDocumentUploaded:   CategoryOperations,
	EventDocumentDownloaded: CategoryOperations,

	EventKeyCreated: CategorySecurity,
	EventKeyRotated: CategorySecurity,
	EventKeyRevoked: CategorySecurity,

	EventBookingCreated:   CategoryOperations,
	EventBookingCancelled: CategoryOperations,
	EventPaymentProcessed: CategoryCompliance,
	EventPaymentFailed:    CategoryOperations,
	EventConfigChanged:    CategorySecurity,

	EventSecurityAlert:                CategorySecurity,
	EventSuspiciousActivity:           CategorySecurity,
	EventAnomalyDetected:              CategorySecurity,
	EventAuditChainIntegrityViolation: CategorySecurity,
}

// Known reports whether e belongs to the taxonomy.
func (e EventType) Known() bool {
	_, ok := eventCategories[e]
	return ok
}

// Category returns the EventCategory for this event type.
// Unknown types default to CategoryOperations.
func (e EventType) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// EventTypes returns the full taxonomy in lexical order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventCategories))
	for e := range eventCategories {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Result is the outcome of the audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Valid reports whether r is one of the two accepted outcomes.
func (r Result) Valid() bool {
	return r == ResultSuccess || r == ResultFailure
}

// Well-known metadata keys read by the anomaly detector.
const (
	MetaCountry = "country"
	MetaCity    = "city"
)

// Metadata is the typed key-value bag attached to an entry. String values
// keep the canonical encoding stable across storage round trips.
type Metadata map[string]string

// Get returns the value for key, or "".
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Clone returns an independent copy. A nil map clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	if out == nil {
		out = Metadata{}
	}
	out[key] = value
	return out
}

// Event is the inbound description accepted by the ledger recorder. Emitting
// services build one per significant action; the ledger assigns identity,
// time and integrity fields.
type Event struct {
	EventType    EventType `json:"eventType" validate:"required"`
	ActorUserID  string    `json:"actorUserId,omitempty" validate:"omitempty,text,max=255"`
	TenantID     string    `json:"tenantId,omitempty" validate:"omitempty,text,max=255"`
	ResourceType string    `json:"resourceType,omitempty" validate:"omitempty,text,max=128"`
	ResourceID   string    `json:"resourceId,omitempty" validate:"omitempty,text,max=255"`
	Action       string    `json:"action" validate:"required,text,max=255"`
	Result       Result    `json:"result" validate:"required,oneof=success failure"`
	IPAddress    string    `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	UserAgent    string    `json:"userAgent,omitempty" validate:"omitempty,text,max=1024"`
	Metadata     Metadata  `json:"metadata,omitempty" validate:"omitempty,max=64,dive,keys,required,text,max=128,endkeys,text,max=4096"`
}

// Category returns the category of the event's type.
func (e Event) Category() EventCategory { return e.EventType.Category() }
