package paymentsync

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chainbillhq/chainbill/app/models"
	"github.com/chainbillhq/chainbill/internal/pkg/env"
)

const defaultMaxProcessingAttempts = 5

var (
	// ErrUnroutable is returned when a provider account cannot be mapped
	// to exactly one workspace. Never guess a tenant.
	ErrUnroutable = errors.New("provider account does not route to a workspace")

	// ErrAttemptsExhausted is returned when a failed event has used up its
	// bounded processing attempts.
	ErrAttemptsExhausted = errors.New("event processing attempts exhausted")
)

// ApplyResult is the typed outcome of ApplyEvent.
type ApplyResult struct {
	Outcome ApplyOutcome
	Event   *models.PaymentSyncEvent
	Err     error
}

// Coordinator ingests processor webhooks and batch syncs and projects them
// idempotently onto local entities.
type Coordinator struct {
	db          *gorm.DB
	maxAttempts int
}

// NewCoordinator creates a payment sync coordinator. Max processing
// attempts come from SYNC_MAX_PROCESSING_ATTEMPTS.
func NewCoordinator(db *gorm.DB) *Coordinator {
	maxAttempts := defaultMaxProcessingAttempts
	if v, err := strconv.Atoi(env.GetEnv("SYNC_MAX_PROCESSING_ATTEMPTS", "")); err == nil && v > 0 {
		maxAttempts = v
	}
	return &Coordinator{db: db, maxAttempts: maxAttempts}
}

// RouteInbound maps a provider account to its workspace. A missing or
// ambiguous mapping is a reported error.
func (c *Coordinator) RouteInbound(providerAccountID, providerName, environment string) (uint, error) {
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	providerAccountID = strings.TrimSpace(providerAccountID)
	if providerName == "" || providerAccountID == "" {
		return 0, fmt.Errorf("%w: provider and account id are required", ErrUnroutable)
	}
	if environment == "" {
		environment = models.EnvironmentLive
	}

	var mappings []models.WorkspaceProviderAccount
	err := c.db.Where("provider = ? AND provider_account_id = ? AND environment = ? AND is_active = ?",
		providerName, providerAccountID, environment, true).
		Find(&mappings).Error
	if err != nil {
		return 0, err
	}
	switch len(mappings) {
	case 1:
		return mappings[0].WorkspaceID, nil
	case 0:
		return 0, fmt.Errorf("%w: %s/%s (%s)", ErrUnroutable, providerName, providerAccountID, environment)
	default:
		// The unique index makes this unreachable; seeing it means the
		// constraint is missing and must be surfaced loudly.
		return 0, fmt.Errorf("%w: ambiguous mapping for %s/%s", ErrUnroutable, providerName, providerAccountID)
	}
}

// ApplyEvent records one processor event and, under the idempotency-key
// constraint, projects it onto local entities. The duplicate check and the
// new event insert happen in the same transaction as the projection, so two
// concurrent deliveries of the same webhook cannot both apply.
func (c *Coordinator) ApplyEvent(workspaceID uint, in InboundEvent) (*ApplyResult, error) {
	key := IdempotencyKey(workspaceID, in.ProviderAccountID, in.WebhookEventID, in.PayloadJSON)

	event := &models.PaymentSyncEvent{
		SessionID:         in.SessionID,
		WorkspaceID:       workspaceID,
		Provider:          strings.ToLower(strings.TrimSpace(in.Provider)),
		ProviderAccountID: in.ProviderAccountID,
		WebhookEventID:    in.WebhookEventID,
		IdempotencyKey:    key,
		EventType:         in.EventType,
		EntityKind:        in.EntityKind,
		PayloadJSON:       in.PayloadJSON,
		SignatureValid:    in.SignatureValid,
		Status:            models.SyncEventStatusPending,
	}

	var result *ApplyResult
	err := c.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(event)
		if res.Error != nil {
			return res.Error
		}

		var stored models.PaymentSyncEvent
		if err := tx.Where("idempotency_key = ?", key).First(&stored).Error; err != nil {
			return err
		}

		if res.RowsAffected == 0 {
			// Prior delivery exists. Terminal outcomes dedupe; a prior
			// failure is retried within the bounded attempt budget.
			switch stored.Status {
			case models.SyncEventStatusProcessed, models.SyncEventStatusSkipped, models.SyncEventStatusRejected:
				result = &ApplyResult{Outcome: OutcomeSkipped, Event: &stored}
				return nil
			case models.SyncEventStatusFailed:
				if stored.ProcessingAttempts >= c.maxAttempts {
					result = &ApplyResult{Outcome: OutcomeFailed, Event: &stored, Err: ErrAttemptsExhausted}
					return nil
				}
			}
		}

		// Invalid signature is a security boundary: recorded, never
		// applied, never retried.
		if !stored.SignatureValid {
			now := time.Now()
			if err := tx.Model(&stored).Updates(map[string]interface{}{
				"status":       models.SyncEventStatusRejected,
				"processed_at": &now,
			}).Error; err != nil {
				return err
			}
			result = &ApplyResult{Outcome: OutcomeRejected, Event: &stored, Err: errors.New("invalid webhook signature")}
			return nil
		}

		if err := projectEntity(tx, workspaceID, in); err != nil {
			// The projection failure must not roll back the event row, so
			// the failure is recorded in a nested savepoint-free update
			// after reporting. GORM transactions roll back wholesale on
			// error, so the failed status is written outside.
			result = &ApplyResult{Outcome: OutcomeFailed, Event: &stored, Err: err}
			return err
		}

		now := time.Now()
		if err := tx.Model(&stored).Updates(map[string]interface{}{
			"status":              models.SyncEventStatusProcessed,
			"processed_at":        &now,
			"processing_attempts": gorm.Expr("processing_attempts + 1"),
			"error_details":       "",
		}).Error; err != nil {
			return err
		}
		stored.Status = models.SyncEventStatusProcessed
		result = &ApplyResult{Outcome: OutcomeApplied, Event: &stored}
		return nil
	})

	if err != nil && result != nil && result.Outcome == OutcomeFailed {
		// The projection transaction rolled back; re-record the event row
		// with the failure so the bounded retry budget is durable.
		if recErr := c.recordFailure(workspaceID, event, result.Err); recErr != nil {
			log.Errorf("[PaymentSync] failed to record event failure: %v", recErr)
		}
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// recordFailure re-inserts the event row (the projection transaction rolled
// it back) and bumps the attempt counter.
func (c *Coordinator) recordFailure(workspaceID uint, event *models.PaymentSyncEvent, cause error) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(&models.PaymentSyncEvent{
			SessionID:         event.SessionID,
			WorkspaceID:       workspaceID,
			Provider:          event.Provider,
			ProviderAccountID: event.ProviderAccountID,
			WebhookEventID:    event.WebhookEventID,
			IdempotencyKey:    event.IdempotencyKey,
			EventType:         event.EventType,
			EntityKind:        event.EntityKind,
			PayloadJSON:       event.PayloadJSON,
			SignatureValid:    event.SignatureValid,
			Status:            models.SyncEventStatusFailed,
		})
		if res.Error != nil {
			return res.Error
		}
		return tx.Model(&models.PaymentSyncEvent{}).
			Where("idempotency_key = ?", event.IdempotencyKey).
			Updates(map[string]interface{}{
				"status":              models.SyncEventStatusFailed,
				"error_details":       cause.Error(),
				"processing_attempts": gorm.Expr("processing_attempts + 1"),
			}).Error
	})
}

// RunSession wraps a batch of ApplyEvent calls in a tracked, resumable
// session. Replayed events dedupe via their idempotency keys, so a crashed
// session can simply be run again.
func (c *Coordinator) RunSession(workspaceID uint, providerName, sessionType string, batch []InboundEvent) (*models.PaymentSyncSession, error) {
	now := time.Now()
	session := &models.PaymentSyncSession{
		UUID:        uuid.NewString(),
		WorkspaceID: workspaceID,
		Provider:    strings.ToLower(strings.TrimSpace(providerName)),
		SessionType: sessionType,
		Status:      models.SyncSessionStatusRunning,
		StartedAt:   &now,
	}
	if err := c.db.Create(session).Error; err != nil {
		return nil, err
	}
	return c.run(session, batch)
}

// CreateSession records a pending session without running it, for callers
// that hand execution to the job queue.
func (c *Coordinator) CreateSession(workspaceID uint, providerName, sessionType string) (*models.PaymentSyncSession, error) {
	session := &models.PaymentSyncSession{
		UUID:        uuid.NewString(),
		WorkspaceID: workspaceID,
		Provider:    strings.ToLower(strings.TrimSpace(providerName)),
		SessionType: sessionType,
		Status:      models.SyncSessionStatusPending,
	}
	if err := c.db.Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession loads a session by its public identifier.
func (c *Coordinator) GetSession(sessionUUID string) (*models.PaymentSyncSession, error) {
	var session models.PaymentSyncSession
	if err := c.db.Where("uuid = ?", sessionUUID).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// ResumeSession re-runs a session after a crash. Idempotency keys recorded
// by the previous run turn already-applied events into skips.
func (c *Coordinator) ResumeSession(sessionUUID string, batch []InboundEvent) (*models.PaymentSyncSession, error) {
	var session models.PaymentSyncSession
	if err := c.db.Where("uuid = ?", sessionUUID).First(&session).Error; err != nil {
		return nil, err
	}
	session.Status = models.SyncSessionStatusRunning
	if err := c.db.Model(&session).Update("status", session.Status).Error; err != nil {
		return nil, err
	}
	return c.run(&session, batch)
}

func (c *Coordinator) run(session *models.PaymentSyncSession, batch []InboundEvent) (*models.PaymentSyncSession, error) {
	if session.StartedAt == nil {
		now := time.Now()
		if err := c.db.Model(session).Update("started_at", &now).Error; err != nil {
			return nil, err
		}
		session.StartedAt = &now
	}

	var errorLines []string
	for i := range batch {
		batch[i].SessionID = &session.ID
		result, err := c.ApplyEvent(session.WorkspaceID, batch[i])
		if err != nil {
			session.FailedCount++
			errorLines = append(errorLines, err.Error())
			continue
		}
		switch result.Outcome {
		case OutcomeApplied:
			session.ProcessedCount++
		case OutcomeSkipped:
			session.SkippedCount++
		default:
			session.FailedCount++
			if result.Err != nil {
				errorLines = append(errorLines, result.Err.Error())
			}
		}
	}

	status := models.SyncSessionStatusCompleted
	if session.FailedCount > 0 && session.ProcessedCount == 0 && session.SkippedCount == 0 {
		status = models.SyncSessionStatusFailed
	}
	completedAt := time.Now()
	const maxSummaryLines = 20
	if len(errorLines) > maxSummaryLines {
		errorLines = errorLines[:maxSummaryLines]
	}
	updates := map[string]interface{}{
		"status":          status,
		"processed_count": session.ProcessedCount,
		"skipped_count":   session.SkippedCount,
		"failed_count":    session.FailedCount,
		"error_summary":   strings.Join(errorLines, "\n"),
		"completed_at":    &completedAt,
	}
	if err := c.db.Model(session).Updates(updates).Error; err != nil {
		return nil, err
	}
	session.Status = status
	session.CompletedAt = &completedAt
	return session, nil
}
