package dunning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chainbillhq/chainbill/app/models"
	"github.com/chainbillhq/chainbill/internal/pkg/events"
	"github.com/chainbillhq/chainbill/internal/pkg/ledger"
)

// ErrNoConfiguration is returned when a workspace has no active dunning
// configuration to open a campaign with.
var ErrNoConfiguration = errors.New("no active dunning configuration for workspace")

// Notifier delivers pre-dunning reminders and final-action notices.
// Mail/webhook delivery lives outside the core; tests and the default
// wiring use a logging notifier.
type Notifier interface {
	NotifyPreDunning(sub *models.Subscription, firstRetryAt time.Time)
	NotifyFinalAction(sub *models.Subscription, action string)
}

type logNotifier struct{}

func (logNotifier) NotifyPreDunning(sub *models.Subscription, firstRetryAt time.Time) {
	log.Infof("[Dunning] pre-dunning reminder for subscription %d, first retry at %s", sub.ID, firstRetryAt.Format(time.RFC3339))
}

func (logNotifier) NotifyFinalAction(sub *models.Subscription, action string) {
	log.Infof("[Dunning] final action %s for subscription %d", action, sub.ID)
}

// NewLogNotifier returns the default notifier that only logs.
func NewLogNotifier() Notifier {
	return logNotifier{}
}

// Engine reacts to redemption failures: it opens a campaign per overdue
// subscription, schedules retries from the configured interval list and
// applies the final action once retries are exhausted and the grace period
// has passed.
type Engine struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	recorder *events.Recorder
	notifier Notifier
}

// NewEngine creates a dunning engine on top of the subscription ledger.
func NewEngine(db *gorm.DB, l *ledger.Ledger, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	return &Engine{
		db:       db,
		ledger:   l,
		recorder: events.NewRecorder(db),
		notifier: notifier,
	}
}

// retryIntervals decodes the configuration's retry interval list.
func retryIntervals(cfg *models.DunningConfiguration) ([]int, error) {
	var days []int
	if err := json.Unmarshal([]byte(cfg.RetryIntervalDaysJSON), &days); err != nil {
		return nil, fmt.Errorf("invalid retry interval list: %w", err)
	}
	return days, nil
}

// intervalForAttempt returns the delay before attempt n (1-based). The last
// configured interval repeats if the attempt count exceeds the list.
func intervalForAttempt(days []int, attempt int) time.Duration {
	if len(days) == 0 {
		return 24 * time.Hour
	}
	idx := attempt - 1
	if idx >= len(days) {
		idx = len(days) - 1
	}
	return time.Duration(days[idx]) * 24 * time.Hour
}

// HandleFailure is called for every failed_redemption / failed_transaction
// event. It opens a campaign if none is open for the subscription, else
// advances the open one by scheduling the next retry relative to this
// failure.
func (e *Engine) HandleFailure(subscriptionID uint, failedAt time.Time) (*models.DunningCampaign, error) {
	sub, err := e.loadSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.configFor(sub.WorkspaceID)
	if err != nil {
		return nil, err
	}
	days, err := retryIntervals(cfg)
	if err != nil {
		return nil, err
	}

	campaign, err := e.openCampaign(sub, cfg, failedAt)
	if err != nil {
		return nil, err
	}

	// Schedule the next retry from this failure, not from the original due
	// date, so repeated failures stretch rather than compound.
	if campaign.AttemptsMade >= cfg.MaxRetryAttempts {
		return campaign, e.maybeApplyFinalAction(campaign, cfg, sub, time.Now())
	}
	next := failedAt.Add(intervalForAttempt(days, campaign.AttemptsMade+1))
	updates := map[string]interface{}{
		"status":          models.DunningCampaignRetrying,
		"next_attempt_at": &next,
	}
	if err := e.db.Model(campaign).Updates(updates).Error; err != nil {
		return nil, err
	}
	campaign.Status = models.DunningCampaignRetrying
	campaign.NextAttemptAt = &next

	e.maybeSendPreDunning(campaign, cfg, sub, next, time.Now())
	return campaign, nil
}

// openCampaign finds the subscription's open campaign or creates one.
func (e *Engine) openCampaign(sub *models.Subscription, cfg *models.DunningConfiguration, failedAt time.Time) (*models.DunningCampaign, error) {
	var campaign models.DunningCampaign
	err := e.db.Where("subscription_id = ? AND status IN ?", sub.ID,
		[]string{models.DunningCampaignOpen, models.DunningCampaignRetrying}).
		First(&campaign).Error
	if err == nil {
		return &campaign, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	campaign = models.DunningCampaign{
		UUID:            uuid.NewString(),
		SubscriptionID:  sub.ID,
		ConfigurationID: cfg.ID,
		Status:          models.DunningCampaignOpen,
		OverdueSince:    failedAt,
	}
	if err := e.db.Create(&campaign).Error; err != nil {
		return nil, err
	}
	return &campaign, nil
}

// DueAttempts returns open campaigns whose next attempt is due at now.
func (e *Engine) DueAttempts(now time.Time, limit int) ([]models.DunningCampaign, error) {
	if limit <= 0 {
		limit = 100
	}
	var campaigns []models.DunningCampaign
	err := e.db.Where("status IN ?", []string{models.DunningCampaignOpen, models.DunningCampaignRetrying}).
		Where("next_attempt_at IS NOT NULL AND next_attempt_at <= ?", now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&campaigns).Error
	return campaigns, err
}

// ExecuteAttempt runs one scheduled retry: it re-invokes the ledger's
// Redeem and either resolves the campaign, schedules the next retry, or
// applies the final action when attempts are exhausted.
func (e *Engine) ExecuteAttempt(ctx context.Context, campaignID uint) (*models.DunningAttempt, error) {
	var campaign models.DunningCampaign
	if err := e.db.First(&campaign, campaignID).Error; err != nil {
		return nil, err
	}
	if !campaign.IsOpen() {
		return nil, nil
	}
	sub, err := e.loadSubscription(campaign.SubscriptionID)
	if err != nil {
		return nil, err
	}
	var cfg models.DunningConfiguration
	if err := e.db.First(&cfg, campaign.ConfigurationID).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	attempt := &models.DunningAttempt{
		CampaignID:    campaign.ID,
		AttemptNumber: campaign.AttemptsMade + 1,
		Status:        models.DunningAttemptScheduled,
		ScheduledFor:  now,
	}
	if campaign.NextAttemptAt != nil {
		attempt.ScheduledFor = *campaign.NextAttemptAt
	}

	// Out-of-band cancellation closes the campaign without an attempt.
	switch sub.Status {
	case models.SubscriptionStatusCanceled, models.SubscriptionStatusCompleted,
		models.SubscriptionStatusSuspended, models.SubscriptionStatusExpired:
		attempt.Status = models.DunningAttemptSkipped
		if err := e.db.Create(attempt).Error; err != nil {
			return nil, err
		}
		return attempt, e.closeCampaign(&campaign, models.DunningCampaignResolved)
	}

	// A grace-parked campaign re-enters here once the window ends. The
	// retry budget is already spent, so apply the final action instead of
	// charging the delegation again.
	if campaign.AttemptsMade >= cfg.MaxRetryAttempts {
		return nil, e.maybeApplyFinalAction(&campaign, &cfg, sub, now)
	}

	result, err := e.ledger.Redeem(ctx, sub.ID, "")
	executedAt := time.Now()
	attempt.ExecutedAt = &executedAt
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyClaimed) {
			// Another worker holds the subscription; leave the schedule
			// untouched and let the next sweep retry.
			return nil, err
		}
		attempt.Status = models.DunningAttemptFailed
		attempt.ErrorMessage = err.Error()
		if createErr := e.db.Create(attempt).Error; createErr != nil {
			return nil, createErr
		}
		return attempt, err
	}

	switch result.Outcome {
	case ledger.OutcomeSucceeded:
		attempt.Status = models.DunningAttemptSucceeded
		if err := e.db.Create(attempt).Error; err != nil {
			return nil, err
		}
		if err := e.bumpAttempts(&campaign); err != nil {
			return nil, err
		}
		return attempt, e.closeCampaign(&campaign, models.DunningCampaignResolved)

	case ledger.OutcomeSkipped:
		attempt.Status = models.DunningAttemptSkipped
		if err := e.db.Create(attempt).Error; err != nil {
			return nil, err
		}
		return attempt, e.closeCampaign(&campaign, models.DunningCampaignResolved)

	default:
		attempt.Status = models.DunningAttemptFailed
		attempt.ErrorMessage = result.FailureMessage
		if err := e.db.Create(attempt).Error; err != nil {
			return nil, err
		}
		if err := e.bumpAttempts(&campaign); err != nil {
			return nil, err
		}
		if campaign.AttemptsMade >= cfg.MaxRetryAttempts {
			return attempt, e.maybeApplyFinalAction(&campaign, &cfg, sub, time.Now())
		}
		days, err := retryIntervals(&cfg)
		if err != nil {
			return attempt, err
		}
		next := executedAt.Add(intervalForAttempt(days, campaign.AttemptsMade+1))
		return attempt, e.db.Model(&campaign).Updates(map[string]interface{}{
			"status":          models.DunningCampaignRetrying,
			"next_attempt_at": &next,
		}).Error
	}
}

// maybeApplyFinalAction applies the configured final action exactly once,
// and only after the grace period since the subscription went overdue has
// elapsed. Before that the campaign stays open with the final action
// re-checked on the next sweep.
func (e *Engine) maybeApplyFinalAction(campaign *models.DunningCampaign, cfg *models.DunningConfiguration, sub *models.Subscription, now time.Time) error {
	if campaign.FinalActionAt != nil {
		return nil
	}
	graceEnds := campaign.OverdueSince.Add(time.Duration(cfg.GracePeriodHours) * time.Hour)
	if now.Before(graceEnds) {
		// Still inside the grace window; park the campaign until it ends.
		return e.db.Model(campaign).Updates(map[string]interface{}{
			"status":          models.DunningCampaignRetrying,
			"next_attempt_at": &graceEnds,
		}).Error
	}

	switch cfg.FinalAction {
	case models.DunningFinalActionCancel:
		if err := e.ledger.Cancel(sub.ID, "dunning retries exhausted"); err != nil {
			return err
		}
	case models.DunningFinalActionSuspend:
		if err := e.ledger.Suspend(sub.ID, "dunning retries exhausted"); err != nil {
			return err
		}
	case models.DunningFinalActionNotifyOnly:
		// No status change; the notice below is the whole action.
	default:
		return fmt.Errorf("unknown final action %q", cfg.FinalAction)
	}
	e.notifier.NotifyFinalAction(sub, cfg.FinalAction)

	return e.db.Model(campaign).Updates(map[string]interface{}{
		"status":          models.DunningCampaignExhausted,
		"final_action_at": &now,
		"next_attempt_at": nil,
	}).Error
}

// maybeSendPreDunning sends the one-off reminder PreDunningDays ahead of
// the first retry. When the window has not opened yet nothing happens; the
// sweep delivers it later through SendDueReminders.
func (e *Engine) maybeSendPreDunning(campaign *models.DunningCampaign, cfg *models.DunningConfiguration, sub *models.Subscription, firstRetryAt, now time.Time) {
	if cfg.PreDunningDays <= 0 || campaign.AttemptsMade > 0 || campaign.ReminderSentAt != nil {
		return
	}
	if now.Before(firstRetryAt.Add(-time.Duration(cfg.PreDunningDays) * 24 * time.Hour)) {
		return
	}
	e.notifier.NotifyPreDunning(sub, firstRetryAt)
	sentAt := time.Now()
	if err := e.db.Model(campaign).Update("reminder_sent_at", &sentAt).Error; err != nil {
		log.Errorf("[Dunning] failed to mark reminder sent for campaign %d: %v", campaign.ID, err)
	}
}

// SendDueReminders walks open campaigns that have not retried yet and
// delivers any pre-dunning reminder whose window opened by now.
func (e *Engine) SendDueReminders(now time.Time) error {
	var campaigns []models.DunningCampaign
	err := e.db.Where("status IN ?", []string{models.DunningCampaignOpen, models.DunningCampaignRetrying}).
		Where("attempts_made = 0 AND reminder_sent_at IS NULL AND next_attempt_at IS NOT NULL").
		Find(&campaigns).Error
	if err != nil {
		return err
	}
	for i := range campaigns {
		campaign := &campaigns[i]
		var cfg models.DunningConfiguration
		if err := e.db.First(&cfg, campaign.ConfigurationID).Error; err != nil {
			return err
		}
		sub, err := e.loadSubscription(campaign.SubscriptionID)
		if err != nil {
			return err
		}
		e.maybeSendPreDunning(campaign, &cfg, sub, *campaign.NextAttemptAt, now)
	}
	return nil
}

func (e *Engine) bumpAttempts(campaign *models.DunningCampaign) error {
	campaign.AttemptsMade++
	return e.db.Model(campaign).Update("attempts_made", campaign.AttemptsMade).Error
}

func (e *Engine) closeCampaign(campaign *models.DunningCampaign, status string) error {
	now := time.Now()
	return e.db.Model(campaign).Updates(map[string]interface{}{
		"status":          status,
		"resolved_at":     &now,
		"next_attempt_at": nil,
	}).Error
}

func (e *Engine) configFor(workspaceID uint) (*models.DunningConfiguration, error) {
	var cfg models.DunningConfiguration
	err := e.db.Where("workspace_id = ? AND is_active = ?", workspaceID, true).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoConfiguration
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (e *Engine) loadSubscription(id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := e.db.First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}
