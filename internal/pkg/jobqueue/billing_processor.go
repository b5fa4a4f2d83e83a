package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"

	"github.com/chainbillhq/chainbill/internal/pkg/dunning"
	"github.com/chainbillhq/chainbill/internal/pkg/ledger"
	"github.com/chainbillhq/chainbill/internal/pkg/paymentsync"
)

// Services holds the billing services the processors drive. Wired once at
// startup via Configure.
type Services struct {
	Ledger      *ledger.Ledger
	Dunning     *dunning.Engine
	PaymentSync *paymentsync.Coordinator
}

var (
	services   Services
	servicesMu sync.RWMutex
)

// Configure wires the billing services into the job processors.
func Configure(s Services) {
	servicesMu.Lock()
	defer servicesMu.Unlock()
	services = s
}

func getServices() (Services, error) {
	servicesMu.RLock()
	defer servicesMu.RUnlock()
	if services.Ledger == nil {
		return Services{}, errors.New("jobqueue services are not configured")
	}
	return services, nil
}

// processRedeemSubscriptionJob executes one claimed redemption. Failures
// are handed to the dunning engine; a claim lost to another worker is not
// an error worth retrying.
func (q *Queue) processRedeemSubscriptionJob(ctx context.Context, job *Job) error {
	svcs, err := getServices()
	if err != nil {
		return err
	}
	payload, err := RedeemSubscriptionJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid redeem payload: %w", err)
	}

	result, err := svcs.Ledger.Redeem(ctx, payload.SubscriptionID, payload.ClaimToken)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyClaimed) {
			log.Infof("[JobQueue] Subscription %d claimed elsewhere, skipping", payload.SubscriptionID)
			return nil
		}
		return err
	}

	if result.Outcome == ledger.OutcomeFailed {
		failedAt := result.Subscription.UpdatedAt
		if _, err := svcs.Dunning.HandleFailure(payload.SubscriptionID, failedAt); err != nil {
			if errors.Is(err, dunning.ErrNoConfiguration) {
				log.Warnf("[JobQueue] No dunning configuration for subscription %d, failure stays overdue", payload.SubscriptionID)
				return nil
			}
			return fmt.Errorf("dunning handoff: %w", err)
		}
	}
	return nil
}

// processDunningAttemptJob runs one due dunning retry.
func (q *Queue) processDunningAttemptJob(ctx context.Context, job *Job) error {
	svcs, err := getServices()
	if err != nil {
		return err
	}
	payload, err := DunningAttemptJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid dunning payload: %w", err)
	}

	if _, err := svcs.Dunning.ExecuteAttempt(ctx, payload.CampaignID); err != nil {
		if errors.Is(err, ledger.ErrAlreadyClaimed) {
			log.Infof("[JobQueue] Campaign %d subscription claimed elsewhere, next sweep retries", payload.CampaignID)
			return nil
		}
		return err
	}
	return nil
}

// processRunSyncSessionJob resumes a payment sync session in the
// background. Replayed events dedupe on their idempotency keys, so running
// the same job twice is harmless.
func (q *Queue) processRunSyncSessionJob(ctx context.Context, job *Job) error {
	svcs, err := getServices()
	if err != nil {
		return err
	}
	payload, err := RunSyncSessionJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid sync session payload: %w", err)
	}

	var batch []paymentsync.InboundEvent
	if err := json.Unmarshal([]byte(payload.EventsJSON), &batch); err != nil {
		return fmt.Errorf("invalid sync session batch: %w", err)
	}
	_, err = svcs.PaymentSync.ResumeSession(payload.SessionUUID, batch)
	return err
}
