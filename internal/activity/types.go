package activity

import "time"

// Kind tags the tracked operation that produced a record. The set is closed;
// new operations get new tags.
type Kind string

const (
	KindAccountCreate     Kind = "account-create"
	KindAccountUpdate     Kind = "account-update"
	KindAccountDelete     Kind = "account-delete"
	KindAccountView       Kind = "account-view"
	KindBulkDelete        Kind = "bulk-delete"
	KindLoginSuccess      Kind = "login-success"
	KindLoginFailure      Kind = "login-failure"
	KindLogout            Kind = "logout"
	KindRegister          Kind = "register"
	KindProfileUpdate     Kind = "profile-update"
	KindSystemBackup      Kind = "system-backup"
	KindSystemMaintenance Kind = "system-maintenance"
	KindDataExport        Kind = "data-export"
	KindDataImport        Kind = "data-import"
)

// Status is the record lifecycle state. PENDING is the only initial state;
// the rest are terminal.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusTimeout Status = "TIMEOUT"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusTimeout
}

// Target identifies the entity affected by an operation. Absent for failed
// creations where no entity exists yet.
type Target struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId,omitempty"`
	EntityName string `json:"entityName,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// RequestContext captures the inbound request that triggered the operation.
// OccurredAt is set when the PENDING record is created and never mutated.
type RequestContext struct {
	SourceAddress string    `json:"sourceAddress,omitempty"`
	ClientAgent   string    `json:"clientAgent,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Method        string    `json:"method,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// FieldChange describes one field mutation in an update operation.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue,omitempty"`
}

// BulkDeleteMetadata is attached to bulk-delete records.
type BulkDeleteMetadata struct {
	DeletedCount int `json:"deletedCount"`
}

// LoginFailureMetadata is attached to login-failure records.
type LoginFailureMetadata struct {
	Reason string `json:"reason"`
}

// ExportMetadata is attached to data-export records.
type ExportMetadata struct {
	Rows   int    `json:"rows"`
	Format string `json:"format"`
}

// MaintenanceMetadata is attached to system-backup and system-maintenance
// records.
type MaintenanceMetadata struct {
	Task string `json:"task"`
}

// Metadata is a tagged variant: at most one member is set, matching the
// record's kind.
type Metadata struct {
	BulkDelete   *BulkDeleteMetadata   `json:"bulkDelete,omitempty"`
	LoginFailure *LoginFailureMetadata `json:"loginFailure,omitempty"`
	Export       *ExportMetadata       `json:"export,omitempty"`
	Maintenance  *MaintenanceMetadata  `json:"maintenance,omitempty"`
}

// Empty reports whether no variant is set.
func (m Metadata) Empty() bool {
	return m.BulkDelete == nil && m.LoginFailure == nil && m.Export == nil && m.Maintenance == nil
}

// Details holds sanitized entity snapshots and the ordered change list for
// update operations.
type Details struct {
	BeforeState map[string]any `json:"beforeState,omitempty"`
	AfterState  map[string]any `json:"afterState,omitempty"`
	Changes     []FieldChange  `json:"changes,omitempty"`
	Metadata    *Metadata      `json:"metadata,omitempty"`
}

// ErrorDetail is populated only on FAILURE/TIMEOUT records.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Performance is attached at finalization. Memory and CPU sampling is
// best-effort; zero values mean the sample was unavailable.
type Performance struct {
	DurationMs int64   `json:"durationMs"`
	MemoryMB   float64 `json:"memoryMB,omitempty"`
	CPUPct     float64 `json:"cpuPct,omitempty"`
}

// Security is the only field group legitimately mutated after finalization.
// RiskScore is monotonic; Reasons is append-only; Flagged never unsets.
type Security struct {
	RiskScore int      `json:"riskScore"`
	Flagged   bool     `json:"flagged"`
	Reasons   []string `json:"reasons,omitempty"`
}

// Retention governs expiry. Permanent suppresses deletion regardless of age.
type Retention struct {
	ExpiresAt time.Time `json:"expiresAt"`
	Permanent bool      `json:"permanent"`
}

// Record is one tracked operation invocation. Exactly one exists per
// invocation; retries create new records.
type Record struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"activityKind"`
	Status      Status         `json:"status"`
	ActorID     string         `json:"actorId"`
	Target      *Target        `json:"target,omitempty"`
	Request     RequestContext `json:"requestContext"`
	Details     Details        `json:"details"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	Performance *Performance   `json:"performance,omitempty"`
	Security    Security       `json:"security"`
	Retention   Retention      `json:"retention"`
}
