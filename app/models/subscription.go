package models

import "time"

// Subscription status values. The set is closed; anything else in the
// column is a bug.
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCanceled  = "canceled"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusOverdue   = "overdue"
	SubscriptionStatusSuspended = "suspended"
	SubscriptionStatusFailed    = "failed"
	SubscriptionStatusCompleted = "completed"
)

// Payment sync status values for processor-synced entities.
const (
	PaymentSyncStatusNone    = ""
	PaymentSyncStatusPending = "pending"
	PaymentSyncStatusSynced  = "synced"
	PaymentSyncStatusFailed  = "failed"
)

// Subscription is the central billing record. Delegation-backed
// subscriptions are driven by the on-chain redemption scheduler;
// processor-owned subscriptions (PaymentProvider set, DelegationID nil)
// are projected from webhook events and keep NextRedemptionDate NULL so
// the scheduler never claims them.
//
// ClaimToken/ClaimedUntil implement the redemption claim marker: a worker
// claims a due subscription with a conditional update before redeeming, so
// two workers never redeem the same period twice. An expired claim can be
// taken over by any worker.
type Subscription struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UUID               string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	WorkspaceID        uint       `gorm:"not null;index;index:ux_subscriptions_workspace_external,priority:1" json:"workspace_id"`
	CustomerID         uint       `gorm:"not null;index" json:"customer_id"`
	ProductID          uint       `gorm:"not null;index" json:"product_id"`
	PriceID            uint       `gorm:"not null" json:"price_id"`
	ProductTokenID     *uint      `gorm:"index" json:"product_token_id,omitempty"`
	DelegationID       *uint      `gorm:"index" json:"delegation_id,omitempty"`
	TokenAmount        int64      `gorm:"not null;default:0" json:"token_amount"`
	Status             string     `gorm:"type:varchar(20);not null;default:'active';index:idx_subscriptions_status_next,priority:1" json:"status"`
	CurrentPeriodStart *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	NextRedemptionDate *time.Time `gorm:"type:timestamp;default:null;index:idx_subscriptions_status_next,priority:2" json:"next_redemption_date,omitempty"`
	TotalRedemptions   int        `gorm:"not null;default:0" json:"total_redemptions"`
	TotalAmountInCents int64      `gorm:"not null;default:0" json:"total_amount_in_cents"`
	ClaimToken         string     `gorm:"type:varchar(36);default:''" json:"-"`
	ClaimedUntil       *time.Time `gorm:"type:timestamp;default:null" json:"-"`
	ExternalID         *string    `gorm:"type:varchar(191);index:ux_subscriptions_workspace_external,unique,priority:2" json:"external_id,omitempty"`
	PaymentProvider    *string    `gorm:"type:varchar(40);index:ux_subscriptions_workspace_external,unique,priority:3" json:"payment_provider,omitempty"`
	PaymentSyncStatus  string     `gorm:"type:varchar(16);default:''" json:"payment_sync_status"`
	PaymentSyncedAt    *time.Time `gorm:"type:timestamp;default:null" json:"payment_synced_at,omitempty"`
	SyncVersion        int        `gorm:"not null;default:0" json:"sync_version"`
	CanceledAt         *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CancelReason       string     `gorm:"type:varchar(200);default:''" json:"cancel_reason"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          *time.Time `gorm:"type:timestamp;default:null;index" json:"deleted_at,omitempty"`
}

// IsDelegationBacked reports whether the on-chain scheduler owns this
// subscription's lifecycle. When both a delegation and a payment provider
// are present the delegation wins and the processor may only touch sync
// metadata.
func (s *Subscription) IsDelegationBacked() bool {
	return s.DelegationID != nil
}

// IsProcessorOwned reports whether an external processor is authoritative
// for this subscription's lifecycle.
func (s *Subscription) IsProcessorOwned() bool {
	return s.DelegationID == nil && s.PaymentProvider != nil && *s.PaymentProvider != ""
}

// IsSchedulable reports whether the redemption scheduler may ever pick this
// subscription up.
func (s *Subscription) IsSchedulable() bool {
	if !s.IsDelegationBacked() {
		return false
	}
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusOverdue
}
