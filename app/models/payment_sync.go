package models

import "time"

// Payment sync session types and statuses.
const (
	SyncSessionTypeFull        = "full"
	SyncSessionTypeIncremental = "incremental"

	SyncSessionStatusPending   = "pending"
	SyncSessionStatusRunning   = "running"
	SyncSessionStatusCompleted = "completed"
	SyncSessionStatusFailed    = "failed"
)

// Payment sync event statuses.
const (
	SyncEventStatusPending   = "pending"
	SyncEventStatusProcessed = "processed"
	SyncEventStatusSkipped   = "skipped"
	SyncEventStatusFailed    = "failed"
	SyncEventStatusRejected  = "rejected"
)

// Entity kinds a processor event can project onto.
const (
	SyncEntityCustomer     = "customer"
	SyncEntityProduct      = "product"
	SyncEntityPrice        = "price"
	SyncEntitySubscription = "subscription"
	SyncEntityInvoice      = "invoice"
)

// PaymentSyncSession represents one sync run (full or incremental) for one
// workspace and provider. A crashed session can be restarted; idempotency
// is re-derived from already-recorded PaymentSyncEvent rows.
type PaymentSyncSession struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UUID           string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	WorkspaceID    uint       `gorm:"not null;index" json:"workspace_id"`
	Provider       string     `gorm:"type:varchar(40);not null;index" json:"provider"`
	SessionType    string     `gorm:"type:varchar(16);not null;default:'incremental'" json:"session_type"`
	Status         string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ProcessedCount int        `gorm:"not null;default:0" json:"processed_count"`
	SkippedCount   int        `gorm:"not null;default:0" json:"skipped_count"`
	FailedCount    int        `gorm:"not null;default:0" json:"failed_count"`
	ErrorSummary   string     `gorm:"type:text" json:"error_summary"`
	StartedAt      *time.Time `gorm:"type:timestamp;default:null" json:"started_at,omitempty"`
	CompletedAt    *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaymentSyncEvent records one processor event and its application outcome.
// IdempotencyKey is sha256(workspace_id|provider_account_id|webhook_event_id)
// and carries a storage-level unique constraint; the OnConflict-DoNothing
// insert against that constraint is the sole duplicate-delivery defense.
type PaymentSyncEvent struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	SessionID          *uint      `gorm:"index" json:"session_id,omitempty"`
	WorkspaceID        uint       `gorm:"not null;index" json:"workspace_id"`
	Provider           string     `gorm:"type:varchar(40);not null" json:"provider"`
	ProviderAccountID  string     `gorm:"type:varchar(191);not null;default:''" json:"provider_account_id"`
	WebhookEventID     string     `gorm:"type:varchar(191);not null;default:''" json:"webhook_event_id"`
	IdempotencyKey     string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"idempotency_key"`
	EventType          string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	EntityKind         string     `gorm:"type:varchar(20);not null;default:''" json:"entity_kind"`
	PayloadJSON        string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid     bool       `gorm:"default:false;index" json:"signature_valid"`
	Status             string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ProcessingAttempts int        `gorm:"not null;default:0" json:"processing_attempts"`
	ErrorDetails       string     `gorm:"type:text" json:"error_details"`
	ProcessedAt        *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
