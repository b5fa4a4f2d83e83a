package events

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/chainbillhq/chainbill/app/models"
)

// Recorder appends subscription lifecycle events and failed-attempt
// telemetry. Events are never updated or deleted; this is the audit trail
// and the dunning engine's only read model for consecutive failures.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder creates an event recorder on the given GORM handle.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Entry is the input for recording one lifecycle event.
type Entry struct {
	SubscriptionID  uint
	EventType       string
	TransactionHash string
	AmountInCents   int64
	ErrorMessage    string
	OccurredAt      time.Time
}

// RecordTx appends an event inside the caller's transaction, so a ledger
// mutation and its event commit or roll back together.
func (r *Recorder) RecordTx(tx *gorm.DB, in Entry) (*models.SubscriptionEvent, error) {
	if in.SubscriptionID == 0 {
		return nil, fmt.Errorf("subscription id is required")
	}
	if !models.IsKnownEventType(in.EventType) {
		return nil, fmt.Errorf("unknown event type %q", in.EventType)
	}
	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	event := &models.SubscriptionEvent{
		SubscriptionID:  in.SubscriptionID,
		EventType:       in.EventType,
		TransactionHash: in.TransactionHash,
		AmountInCents:   in.AmountInCents,
		ErrorMessage:    in.ErrorMessage,
		OccurredAt:      occurredAt,
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

// Record appends an event outside any caller transaction.
func (r *Recorder) Record(in Entry) (*models.SubscriptionEvent, error) {
	return r.RecordTx(r.db, in)
}

// FailedAttempt is the input for pre-creation failure telemetry.
type FailedAttempt struct {
	WorkspaceID    uint
	ProductID      uint
	ProductTokenID *uint
	WalletAddress  string
	FailureReason  string
	ErrorMessage   string
}

// RecordFailedAttempt stores telemetry for a signup that never produced a
// subscription row.
func (r *Recorder) RecordFailedAttempt(in FailedAttempt) (*models.FailedSubscriptionAttempt, error) {
	if !models.IsFailureEvent(in.FailureReason) {
		return nil, fmt.Errorf("unknown failure reason %q", in.FailureReason)
	}
	attempt := &models.FailedSubscriptionAttempt{
		WorkspaceID:    in.WorkspaceID,
		ProductID:      in.ProductID,
		ProductTokenID: in.ProductTokenID,
		WalletAddress:  in.WalletAddress,
		FailureReason:  in.FailureReason,
		ErrorMessage:   in.ErrorMessage,
		OccurredAt:     time.Now(),
	}
	if err := r.db.Create(attempt).Error; err != nil {
		return nil, err
	}
	return attempt, nil
}

// ListBySubscription returns a subscription's events, oldest first.
func (r *Recorder) ListBySubscription(subscriptionID uint) ([]models.SubscriptionEvent, error) {
	var list []models.SubscriptionEvent
	err := r.db.Where("subscription_id = ?", subscriptionID).
		Order("occurred_at ASC, id ASC").
		Find(&list).Error
	return list, err
}

// ConsecutiveFailures counts failure events since the last success for a
// subscription. A success of any kind resets the streak.
func (r *Recorder) ConsecutiveFailures(subscriptionID uint) (int, error) {
	var list []models.SubscriptionEvent
	err := r.db.Where("subscription_id = ?", subscriptionID).
		Order("occurred_at DESC, id DESC").
		Find(&list).Error
	if err != nil {
		return 0, err
	}
	count := 0
	for _, event := range list {
		if !models.IsFailureEvent(event.EventType) {
			break
		}
		count++
	}
	return count, nil
}
