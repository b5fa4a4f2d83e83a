package models

import "time"

// Dunning campaign states.
const (
	DunningCampaignOpen      = "open"
	DunningCampaignRetrying  = "retrying"
	DunningCampaignResolved  = "resolved"
	DunningCampaignExhausted = "exhausted"
)

// Dunning attempt states.
const (
	DunningAttemptScheduled = "scheduled"
	DunningAttemptSucceeded = "succeeded"
	DunningAttemptFailed    = "failed"
	DunningAttemptSkipped   = "skipped"
)

// Final actions applied when a campaign exhausts its retries.
const (
	DunningFinalActionCancel     = "cancel"
	DunningFinalActionSuspend    = "suspend"
	DunningFinalActionNotifyOnly = "notify_only"
)

// DunningConfiguration holds the retry policy for a workspace.
// RetryIntervalDaysJSON is a JSON-encoded []int indexed by attempt number:
// attempt n is scheduled RetryIntervalDays[n-1] days after the previous
// failure, not after the original due date.
type DunningConfiguration struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID           uint      `gorm:"not null;uniqueIndex" json:"workspace_id"`
	MaxRetryAttempts      int       `gorm:"not null;default:3" json:"max_retry_attempts"`
	RetryIntervalDaysJSON string    `gorm:"type:varchar(200);not null;default:'[1,3,7]'" json:"retry_interval_days_json"`
	FinalAction           string    `gorm:"type:varchar(20);not null;default:'suspend'" json:"final_action"`
	GracePeriodHours      int       `gorm:"not null;default:0" json:"grace_period_hours"`
	PreDunningDays        int       `gorm:"not null;default:0" json:"pre_dunning_days"`
	IsActive              bool      `gorm:"default:true" json:"is_active"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DunningCampaign is opened against a subscription when a redemption fails
// and closed when an attempt succeeds, attempts are exhausted, or the
// subscription is canceled out of band.
type DunningCampaign struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UUID            string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	SubscriptionID  uint       `gorm:"not null;index" json:"subscription_id"`
	ConfigurationID uint       `gorm:"not null" json:"configuration_id"`
	Status          string     `gorm:"type:varchar(16);not null;default:'open';index" json:"status"`
	AttemptsMade    int        `gorm:"not null;default:0" json:"attempts_made"`
	OverdueSince    time.Time  `gorm:"not null" json:"overdue_since"`
	NextAttemptAt   *time.Time `gorm:"type:timestamp;default:null;index" json:"next_attempt_at,omitempty"`
	ReminderSentAt  *time.Time `gorm:"type:timestamp;default:null" json:"reminder_sent_at,omitempty"`
	FinalActionAt   *time.Time `gorm:"type:timestamp;default:null" json:"final_action_at,omitempty"`
	ResolvedAt      *time.Time `gorm:"type:timestamp;default:null" json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsOpen reports whether the campaign still accepts attempts.
func (c *DunningCampaign) IsOpen() bool {
	return c.Status == DunningCampaignOpen || c.Status == DunningCampaignRetrying
}

// DunningAttempt records one executed (or skipped) retry.
type DunningAttempt struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	CampaignID    uint       `gorm:"not null;index" json:"campaign_id"`
	AttemptNumber int        `gorm:"not null" json:"attempt_number"`
	Status        string     `gorm:"type:varchar(16);not null;default:'scheduled'" json:"status"`
	ScheduledFor  time.Time  `gorm:"not null" json:"scheduled_for"`
	ExecutedAt    *time.Time `gorm:"type:timestamp;default:null" json:"executed_at,omitempty"`
	ErrorMessage  string     `gorm:"type:text" json:"error_message"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
