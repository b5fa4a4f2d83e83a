package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chainbillhq/chainbill/app/models"
	"github.com/chainbillhq/chainbill/internal/pkg/delegation"
	"github.com/chainbillhq/chainbill/internal/pkg/env"
	"github.com/chainbillhq/chainbill/internal/pkg/events"
)

const (
	defaultClaimTTL      = 10 * time.Minute
	defaultSubmitTimeout = 60 * time.Second
)

var (
	// ErrInvalidProductPairing is returned when the product, price and
	// product token do not belong together or are inactive.
	ErrInvalidProductPairing = errors.New("product, price and token do not form a valid pairing")

	// ErrAlreadyClaimed is returned when another worker holds a live claim
	// on the subscription.
	ErrAlreadyClaimed = errors.New("subscription is claimed by another worker")

	// ErrNotSchedulable is returned when Redeem is asked to act on a
	// subscription the on-chain path does not own.
	ErrNotSchedulable = errors.New("subscription is not schedulable by the redemption path")
)

// Redemption outcomes for callers that branch without string matching.
type RedemptionOutcome string

const (
	OutcomeSucceeded RedemptionOutcome = "succeeded"
	OutcomeFailed    RedemptionOutcome = "failed"
	OutcomeSkipped   RedemptionOutcome = "skipped"
)

// RedemptionResult describes what one redemption attempt did.
type RedemptionResult struct {
	Outcome        RedemptionOutcome
	EventType      string
	TxHash         string
	FailureMessage string
	Subscription   *models.Subscription
}

// Ledger owns subscription records, status transitions and redemption
// scheduling. All multi-row mutations run in one transaction; concurrent
// workers are coordinated by the claim marker, never by in-process locks.
type Ledger struct {
	db            *gorm.DB
	redeemer      ChainRedeemer
	store         *delegation.Store
	recorder      *events.Recorder
	claimTTL      time.Duration
	submitTimeout time.Duration
}

// NewLedger creates a subscription ledger. Claim TTL and submit timeout
// come from LEDGER_CLAIM_TTL_SECONDS / LEDGER_SUBMIT_TIMEOUT_SECONDS.
func NewLedger(db *gorm.DB, redeemer ChainRedeemer) *Ledger {
	claimTTL := defaultClaimTTL
	if v, err := strconv.Atoi(env.GetEnv("LEDGER_CLAIM_TTL_SECONDS", "")); err == nil && v > 0 {
		claimTTL = time.Duration(v) * time.Second
	}
	submitTimeout := defaultSubmitTimeout
	if v, err := strconv.Atoi(env.GetEnv("LEDGER_SUBMIT_TIMEOUT_SECONDS", "")); err == nil && v > 0 {
		submitTimeout = time.Duration(v) * time.Second
	}
	return &Ledger{
		db:            db,
		redeemer:      redeemer,
		store:         delegation.NewStore(db),
		recorder:      events.NewRecorder(db),
		claimTTL:      claimTTL,
		submitTimeout: submitTimeout,
	}
}

// Recorder exposes the ledger's event recorder for read APIs.
func (l *Ledger) Recorder() *events.Recorder {
	return l.recorder
}

// CreateInput is the input for CreateSubscription.
type CreateInput struct {
	WorkspaceID    uint
	CustomerID     uint
	ProductID      uint
	PriceID        uint
	ProductTokenID uint
	TokenAmount    int64
	Delegation     delegation.SignedDelegation
}

// CreateSubscription validates the delegation, persists the delegation
// record and subscription in one transaction, then performs the first
// redemption synchronously. A failed first redemption still leaves the
// committed subscription behind (status overdue) together with its failure
// event; only pre-persistence failures become a FailedSubscriptionAttempt
// and an error.
func (l *Ledger) CreateSubscription(ctx context.Context, in CreateInput) (*models.Subscription, error) {
	_, price, token, err := l.loadPairing(in.ProductID, in.PriceID, in.ProductTokenID)
	if err != nil {
		l.recordFailedAttempt(in, models.EventTypeFailedValidation, err)
		return nil, err
	}

	if err := l.store.Validate(in.Delegation); err != nil {
		l.recordFailedAttempt(in, models.EventTypeFailedValidation, err)
		return nil, err
	}
	if err := delegation.Enforce(in.Delegation.Caveats, delegation.RedemptionRequest{
		Amount:           in.TokenAmount,
		Recipient:        token.RecipientAddr,
		RedemptionsSoFar: 0,
		Now:              time.Now(),
	}); err != nil {
		l.recordFailedAttempt(in, models.EventTypeFailedValidation, err)
		return nil, err
	}

	now := time.Now()
	sub := &models.Subscription{
		UUID:               uuid.NewString(),
		WorkspaceID:        in.WorkspaceID,
		CustomerID:         in.CustomerID,
		ProductID:          in.ProductID,
		PriceID:            in.PriceID,
		ProductTokenID:     &token.ID,
		TokenAmount:        in.TokenAmount,
		Status:             models.SubscriptionStatusActive,
		NextRedemptionDate: &now,
	}

	err = l.db.Transaction(func(tx *gorm.DB) error {
		record, err := l.store.CreateTx(tx, in.WorkspaceID, in.Delegation)
		if err != nil {
			return fmt.Errorf("delegation storage: %w", err)
		}
		sub.DelegationID = &record.ID
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("subscription storage: %w", err)
		}
		_, err = l.recorder.RecordTx(tx, events.Entry{
			SubscriptionID: sub.ID,
			EventType:      models.EventTypeCreated,
			AmountInCents:  price.UnitAmountInPennies,
			OccurredAt:     now,
		})
		return err
	})
	if err != nil {
		reason := models.EventTypeFailedSubscriptionDB
		if sub.DelegationID == nil {
			reason = models.EventTypeFailedDelegationStorage
		}
		l.recordFailedAttempt(in, reason, err)
		return nil, err
	}

	// First redemption, synchronous. The claim is taken like any other
	// worker would so a concurrent sweep cannot double-redeem period 1.
	token1, claimErr := l.claim(sub.ID, now)
	if claimErr != nil {
		log.Errorf("[Ledger] first redemption claim failed for subscription %d: %v", sub.ID, claimErr)
		return l.reload(sub.ID)
	}
	if _, err := l.Redeem(ctx, sub.ID, token1); err != nil {
		log.Errorf("[Ledger] first redemption failed for subscription %d: %v", sub.ID, err)
	}
	return l.reload(sub.ID)
}

// ScheduleDue claims and returns subscriptions due for redemption at now,
// ordered by next_redemption_date ascending. Safe to call concurrently from
// multiple workers: each returned subscription carries a live claim token
// and will not be returned to anyone else until the claim expires.
func (l *Ledger) ScheduleDue(now time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	// Overdue subscriptions with an open dunning campaign are retried on
	// the campaign's schedule, not the sweep's, so they are excluded here.
	openCampaigns := l.db.Model(&models.DunningCampaign{}).
		Select("subscription_id").
		Where("status IN ?", []string{models.DunningCampaignOpen, models.DunningCampaignRetrying})

	var candidates []models.Subscription
	err := l.db.
		Where("delegation_id IS NOT NULL").
		Where("status IN ?", []string{models.SubscriptionStatusActive, models.SubscriptionStatusOverdue}).
		Where("next_redemption_date IS NOT NULL AND next_redemption_date <= ?", now).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Where("deleted_at IS NULL").
		Where("id NOT IN (?)", openCampaigns).
		Order("next_redemption_date ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]models.Subscription, 0, len(candidates))
	for _, sub := range candidates {
		token, err := l.claim(sub.ID, now)
		if err != nil {
			if errors.Is(err, ErrAlreadyClaimed) {
				continue // another worker got there first
			}
			return claimed, err
		}
		sub.ClaimToken = token
		claimed = append(claimed, sub)
	}
	return claimed, nil
}

// claim takes the redemption claim marker with a conditional update. Only
// one worker can win; a stale claim past its expiry can be taken over.
func (l *Ledger) claim(subscriptionID uint, now time.Time) (string, error) {
	token := uuid.NewString()
	until := now.Add(l.claimTTL)
	res := l.db.Model(&models.Subscription{}).
		Where("id = ?", subscriptionID).
		Where("status IN ?", []string{models.SubscriptionStatusActive, models.SubscriptionStatusOverdue}).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Updates(map[string]interface{}{
			"claim_token":   token,
			"claimed_until": &until,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", ErrAlreadyClaimed
	}
	return token, nil
}

// releaseClaim clears the claim marker inside tx as part of the outcome
// write.
func releaseClaim(updates map[string]interface{}) map[string]interface{} {
	updates["claim_token"] = ""
	updates["claimed_until"] = nil
	return updates
}

// Redeem executes one redemption for a claimed subscription. An empty
// claimToken acquires a fresh claim first (the dunning engine's path). On
// success the period advances and counters grow; on failure the
// subscription goes overdue and the typed result carries the failure for
// dunning. Canceled and completed subscriptions are an idempotent no-op.
func (l *Ledger) Redeem(ctx context.Context, subscriptionID uint, claimToken string) (*RedemptionResult, error) {
	sub, err := l.reload(subscriptionID)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case models.SubscriptionStatusCanceled, models.SubscriptionStatusCompleted,
		models.SubscriptionStatusSuspended, models.SubscriptionStatusExpired:
		return &RedemptionResult{Outcome: OutcomeSkipped, Subscription: sub}, nil
	}
	if !sub.IsDelegationBacked() {
		return nil, ErrNotSchedulable
	}
	if claimToken == "" {
		claimToken, err = l.claim(sub.ID, time.Now())
		if err != nil {
			return nil, err
		}
	} else if sub.ClaimToken != claimToken {
		return nil, ErrAlreadyClaimed
	}

	record, err := l.store.GetByID(*sub.DelegationID)
	if err != nil {
		return l.failRedemption(sub, models.EventTypeFailedRedemption, "", fmt.Sprintf("delegation lookup: %v", err))
	}
	caveats, err := l.store.Caveats(record)
	if err != nil {
		return l.failRedemption(sub, models.EventTypeFailedValidation, "", err.Error())
	}
	_, price, token, err := l.loadPairing(sub.ProductID, sub.PriceID, derefUint(sub.ProductTokenID))
	if err != nil {
		return l.failRedemption(sub, models.EventTypeFailedRedemption, "", err.Error())
	}
	if err := delegation.Enforce(caveats, delegation.RedemptionRequest{
		Amount:           sub.TokenAmount,
		Recipient:        token.RecipientAddr,
		RedemptionsSoFar: sub.TotalRedemptions,
		Now:              time.Now(),
	}); err != nil {
		return l.failRedemption(sub, models.EventTypeFailedRedemption, "", err.Error())
	}

	submitCtx, cancel := context.WithTimeout(ctx, l.submitTimeout)
	defer cancel()
	result, err := l.redeemer.Submit(submitCtx, SubmitRequest{
		Delegation:   *record,
		Recipient:    token.RecipientAddr,
		TokenAddress: token.TokenAddress,
		Network:      token.Network,
		Amount:       sub.TokenAmount,
	})
	if err != nil {
		if errors.Is(submitCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrSubmitTimeout, err)
		}
		eventType, txHash := failureEventType(err)
		return l.failRedemption(sub, eventType, txHash, err.Error())
	}
	return l.succeedRedemption(sub, price, result.TxHash)
}

// succeedRedemption advances the period, bumps the monotonic counters and
// either schedules the next redemption or completes the term. The status
// write is conditional on the subscription not having been canceled while
// the submission was in flight; a late success is still recorded as an
// event but does not resurrect the subscription.
func (l *Ledger) succeedRedemption(sub *models.Subscription, price *models.Price, txHash string) (*RedemptionResult, error) {
	now := time.Now()
	periodStart := now
	if sub.NextRedemptionDate != nil {
		periodStart = *sub.NextRedemptionDate
	}
	periodEnd := NextPeriodStart(periodStart, price.IntervalType, price.IntervalCount)
	newTotal := sub.TotalRedemptions + 1
	completed := IsTermComplete(newTotal, price.TermLength)

	eventType := models.EventTypeRenewed
	if newTotal == 1 {
		eventType = models.EventTypeRedeemed
	}

	var outcome *RedemptionResult
	err := l.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":                models.SubscriptionStatusActive,
			"current_period_start":  &periodStart,
			"current_period_end":    &periodEnd,
			"next_redemption_date":  &periodEnd,
			"total_redemptions":     newTotal,
			"total_amount_in_cents": sub.TotalAmountInCents + price.UnitAmountInPennies,
		}
		if completed {
			updates["status"] = models.SubscriptionStatusCompleted
			updates["next_redemption_date"] = nil
		}
		res := tx.Model(&models.Subscription{}).
			Where("id = ?", sub.ID).
			Where("status NOT IN ?", []string{models.SubscriptionStatusCanceled, models.SubscriptionStatusSuspended}).
			Updates(releaseClaim(updates))
		if res.Error != nil {
			return res.Error
		}

		if _, err := l.recorder.RecordTx(tx, events.Entry{
			SubscriptionID:  sub.ID,
			EventType:       eventType,
			TransactionHash: txHash,
			AmountInCents:   price.UnitAmountInPennies,
			OccurredAt:      now,
		}); err != nil {
			return err
		}

		if res.RowsAffected == 0 {
			// Canceled or suspended mid-flight; the event above keeps the
			// audit trail, the status stays terminal.
			outcome = &RedemptionResult{Outcome: OutcomeSkipped, EventType: eventType, TxHash: txHash}
			return nil
		}
		if completed {
			if _, err := l.recorder.RecordTx(tx, events.Entry{
				SubscriptionID: sub.ID,
				EventType:      models.EventTypeCompleted,
				OccurredAt:     now,
			}); err != nil {
				return err
			}
		}
		outcome = &RedemptionResult{Outcome: OutcomeSucceeded, EventType: eventType, TxHash: txHash}
		return nil
	})
	if err != nil {
		return nil, err
	}
	outcome.Subscription, err = l.reload(sub.ID)
	return outcome, err
}

// failRedemption moves the subscription to overdue (unless a terminal
// status won a race) and appends the typed failure event, in one
// transaction.
func (l *Ledger) failRedemption(sub *models.Subscription, eventType, txHash, message string) (*RedemptionResult, error) {
	now := time.Now()
	err := l.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Subscription{}).
			Where("id = ?", sub.ID).
			Where("status IN ?", []string{models.SubscriptionStatusActive, models.SubscriptionStatusOverdue}).
			Updates(releaseClaim(map[string]interface{}{
				"status": models.SubscriptionStatusOverdue,
			}))
		if res.Error != nil {
			return res.Error
		}
		_, err := l.recorder.RecordTx(tx, events.Entry{
			SubscriptionID:  sub.ID,
			EventType:       eventType,
			TransactionHash: txHash,
			ErrorMessage:    message,
			OccurredAt:      now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	reloaded, err := l.reload(sub.ID)
	if err != nil {
		return nil, err
	}
	return &RedemptionResult{
		Outcome:        OutcomeFailed,
		EventType:      eventType,
		TxHash:         txHash,
		FailureMessage: message,
		Subscription:   reloaded,
	}, nil
}

// Cancel terminally cancels a subscription and clears its schedule.
// Calling it again, or redeeming afterwards, is a no-op.
func (l *Ledger) Cancel(subscriptionID uint, reason string) error {
	return l.terminate(subscriptionID, models.SubscriptionStatusCanceled, models.EventTypeCanceled, reason)
}

// Suspend parks a subscription without canceling it; used by the dunning
// engine's suspend final action.
func (l *Ledger) Suspend(subscriptionID uint, reason string) error {
	return l.terminate(subscriptionID, models.SubscriptionStatusSuspended, models.EventTypeFailed, reason)
}

// Expire marks a subscription expired when its delegation's authority
// window has closed.
func (l *Ledger) Expire(subscriptionID uint, reason string) error {
	return l.terminate(subscriptionID, models.SubscriptionStatusExpired, models.EventTypeExpired, reason)
}

func (l *Ledger) terminate(subscriptionID uint, status, eventType, reason string) error {
	now := time.Now()
	return l.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":               status,
			"next_redemption_date": nil,
		}
		if status == models.SubscriptionStatusCanceled {
			updates["canceled_at"] = &now
			updates["cancel_reason"] = reason
		}
		res := tx.Model(&models.Subscription{}).
			Where("id = ?", subscriptionID).
			Where("status NOT IN ?", []string{models.SubscriptionStatusCanceled, models.SubscriptionStatusCompleted}).
			Updates(releaseClaim(updates))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // already terminal, idempotent
		}
		_, err := l.recorder.RecordTx(tx, events.Entry{
			SubscriptionID: subscriptionID,
			EventType:      eventType,
			ErrorMessage:   reason,
			OccurredAt:     now,
		})
		return err
	})
}

// OnConfirmed is the async confirmation callback from the chain layer. A
// revert after an optimistic success flips the subscription to overdue and
// records the failure; confirmations need no further action because the
// success event was written at submission time.
func (l *Ledger) OnConfirmed(txHash, status string) error {
	if status != ConfirmationReverted {
		return nil
	}
	var event models.SubscriptionEvent
	err := l.db.Where("transaction_hash = ?", txHash).
		Order("occurred_at DESC, id DESC").
		First(&event).Error
	if err != nil {
		return fmt.Errorf("no event for transaction %s: %w", txHash, err)
	}
	sub, err := l.reload(event.SubscriptionID)
	if err != nil {
		return err
	}
	_, err = l.failRedemption(sub, models.EventTypeFailedTransaction, txHash, "transaction reverted after submission")
	return err
}

// GetByUUID loads a subscription by its public identifier.
func (l *Ledger) GetByUUID(id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := l.db.Where("uuid = ? AND deleted_at IS NULL", id).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListByWorkspace returns a workspace's subscriptions, newest first.
func (l *Ledger) ListByWorkspace(workspaceID uint, offset, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	var subs []models.Subscription
	err := l.db.Where("workspace_id = ? AND deleted_at IS NULL", workspaceID).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (l *Ledger) reload(id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := l.db.First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (l *Ledger) loadPairing(productID, priceID, productTokenID uint) (*models.Product, *models.Price, *models.ProductToken, error) {
	var product models.Product
	if err := l.db.First(&product, productID).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("%w: product %d", ErrInvalidProductPairing, productID)
	}
	var price models.Price
	if err := l.db.First(&price, priceID).Error; err != nil || price.ProductID != product.ID || !price.IsActive {
		return nil, nil, nil, fmt.Errorf("%w: price %d", ErrInvalidProductPairing, priceID)
	}
	var token models.ProductToken
	if err := l.db.First(&token, productTokenID).Error; err != nil || token.ProductID != product.ID || !token.IsActive {
		return nil, nil, nil, fmt.Errorf("%w: product token %d", ErrInvalidProductPairing, productTokenID)
	}
	return &product, &price, &token, nil
}

func (l *Ledger) recordFailedAttempt(in CreateInput, reason string, cause error) {
	var tokenID *uint
	if in.ProductTokenID != 0 {
		id := in.ProductTokenID
		tokenID = &id
	}
	if _, err := l.recorder.RecordFailedAttempt(events.FailedAttempt{
		WorkspaceID:    in.WorkspaceID,
		ProductID:      in.ProductID,
		ProductTokenID: tokenID,
		WalletAddress:  in.Delegation.DelegatorAddress,
		FailureReason:  reason,
		ErrorMessage:   cause.Error(),
	}); err != nil {
		log.Errorf("[Ledger] failed to record attempt telemetry: %v", err)
	}
}

func derefUint(p *uint) uint {
	if p == nil {
		return 0
	}
	return *p
}
