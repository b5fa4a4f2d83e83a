package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeRedeemSubscription JobType = "redeem_subscription"
	JobTypeDunningAttempt     JobType = "dunning_attempt"
	JobTypeRunSyncSession     JobType = "run_sync_session"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// RedeemSubscriptionJobPayload carries one claimed subscription through a
// redemption attempt. The claim token travels with the job so the worker
// proves it still owns the claim taken by the sweep.
type RedeemSubscriptionJobPayload struct {
	SubscriptionID uint   `json:"subscription_id"`
	ClaimToken     string `json:"claim_token"`
}

// ToMap converts the payload to a map for storage
func (p RedeemSubscriptionJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
		"claim_token":     p.ClaimToken,
	}
}

// RedeemSubscriptionJobPayloadFromMap creates a payload from a map
func RedeemSubscriptionJobPayloadFromMap(data map[string]interface{}) (*RedeemSubscriptionJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload RedeemSubscriptionJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// DunningAttemptJobPayload carries one due dunning campaign attempt.
type DunningAttemptJobPayload struct {
	CampaignID uint `json:"campaign_id"`
}

// ToMap converts the payload to a map for storage
func (p DunningAttemptJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"campaign_id": p.CampaignID,
	}
}

// DunningAttemptJobPayloadFromMap creates a payload from a map
func DunningAttemptJobPayloadFromMap(data map[string]interface{}) (*DunningAttemptJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload DunningAttemptJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// RunSyncSessionJobPayload resumes a payment sync session in the
// background. EventsJSON is the serialized batch the session replays;
// already-applied events dedupe on their idempotency keys.
type RunSyncSessionJobPayload struct {
	SessionUUID string `json:"session_uuid"`
	EventsJSON  string `json:"events_json"`
}

// ToMap converts the payload to a map for storage
func (p RunSyncSessionJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"session_uuid": p.SessionUUID,
		"events_json":  p.EventsJSON,
	}
}

// RunSyncSessionJobPayloadFromMap creates a payload from a map
func RunSyncSessionJobPayloadFromMap(data map[string]interface{}) (*RunSyncSessionJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload RunSyncSessionJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
