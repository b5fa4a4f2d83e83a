package models

import "time"

// Subscription event types. Successes first, then the fine-grained failure
// reasons. The list is closed; recorder rejects anything else.
const (
	EventTypeCreated   = "created"
	EventTypeRedeemed  = "redeemed"
	EventTypeRenewed   = "renewed"
	EventTypeCanceled  = "canceled"
	EventTypeExpired   = "expired"
	EventTypeCompleted = "completed"

	EventTypeFailedValidation        = "failed_validation"
	EventTypeFailedCustomerCreation  = "failed_customer_creation"
	EventTypeFailedWalletCreation    = "failed_wallet_creation"
	EventTypeFailedDelegationStorage = "failed_delegation_storage"
	EventTypeFailedSubscriptionDB    = "failed_subscription_db"
	EventTypeFailedRedemption        = "failed_redemption"
	EventTypeFailedTransaction       = "failed_transaction"
	EventTypeFailedDuplicate         = "failed_duplicate"
	EventTypeFailed                  = "failed"
)

// SubscriptionEvent is the append-only audit trail of a subscription's
// lifecycle. Rows are never updated or deleted. The dunning engine reads
// this table to count consecutive failures.
type SubscriptionEvent struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID  uint      `gorm:"not null;index:idx_subscription_events_sub_occurred,priority:1" json:"subscription_id"`
	EventType       string    `gorm:"type:varchar(40);not null;index" json:"event_type"`
	TransactionHash string    `gorm:"type:varchar(80);default:''" json:"transaction_hash"`
	AmountInCents   int64     `gorm:"not null;default:0" json:"amount_in_cents"`
	ErrorMessage    string    `gorm:"type:text" json:"error_message"`
	OccurredAt      time.Time `gorm:"not null;index:idx_subscription_events_sub_occurred,priority:2" json:"occurred_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// IsFailureEvent reports whether the event type is one of the failure
// reasons.
func IsFailureEvent(eventType string) bool {
	switch eventType {
	case EventTypeFailedValidation, EventTypeFailedCustomerCreation,
		EventTypeFailedWalletCreation, EventTypeFailedDelegationStorage,
		EventTypeFailedSubscriptionDB, EventTypeFailedRedemption,
		EventTypeFailedTransaction, EventTypeFailedDuplicate, EventTypeFailed:
		return true
	}
	return false
}

// IsKnownEventType reports whether the event type belongs to the closed
// enum.
func IsKnownEventType(eventType string) bool {
	switch eventType {
	case EventTypeCreated, EventTypeRedeemed, EventTypeRenewed,
		EventTypeCanceled, EventTypeExpired, EventTypeCompleted:
		return true
	}
	return IsFailureEvent(eventType)
}

// FailedSubscriptionAttempt records failures that happen before a
// subscription row can exist (invalid signature, customer creation error).
// It deliberately has no subscription id: a failed attempt is not a
// lifecycle event of an entity that was never created.
type FailedSubscriptionAttempt struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID    uint      `gorm:"not null;index" json:"workspace_id"`
	ProductID      uint      `gorm:"not null;index" json:"product_id"`
	ProductTokenID *uint     `json:"product_token_id,omitempty"`
	WalletAddress  string    `gorm:"type:varchar(64);not null;index" json:"wallet_address"`
	FailureReason  string    `gorm:"type:varchar(40);not null;index" json:"failure_reason"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message"`
	OccurredAt     time.Time `gorm:"not null" json:"occurred_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
