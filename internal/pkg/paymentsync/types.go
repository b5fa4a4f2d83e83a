package paymentsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Apply outcomes, returned as typed results so callers branch without
// string matching.
type ApplyOutcome string

const (
	OutcomeApplied  ApplyOutcome = "applied"
	OutcomeSkipped  ApplyOutcome = "skipped"
	OutcomeFailed   ApplyOutcome = "failed"
	OutcomeRejected ApplyOutcome = "rejected"
)

// InboundEvent is the normalized shape the webhook ingress and batch sync
// hand to the coordinator. Signature verification happens upstream and is
// reported as a boolean.
type InboundEvent struct {
	Provider          string
	ProviderAccountID string
	Environment       string
	WebhookEventID    string
	EventType         string
	EntityKind        string
	PayloadJSON       string
	SignatureValid    bool
	SessionID         *uint
}

// IdempotencyKey derives the duplicate-delivery key for an event. Events
// without a provider event id fall back to a payload hash, mirroring how
// replayed deliveries of the same body should also dedupe.
func IdempotencyKey(workspaceID uint, providerAccountID, webhookEventID, payload string) string {
	if webhookEventID == "" {
		sum := sha256.Sum256([]byte(payload))
		webhookEventID = "hash:" + hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", workspaceID, providerAccountID, webhookEventID)))
	return hex.EncodeToString(sum[:])
}

// CustomerPayload is the provider-agnostic customer projection input.
type CustomerPayload struct {
	ExternalID    string `json:"external_id"`
	Email         string `json:"email"`
	WalletAddress string `json:"wallet_address"`
}

// ProductPayload is the provider-agnostic product projection input.
type ProductPayload struct {
	ExternalID  string `json:"external_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      *bool  `json:"active,omitempty"`
}

// PricePayload is the provider-agnostic price projection input.
type PricePayload struct {
	ExternalID          string `json:"external_id"`
	ProductExternalID   string `json:"product_external_id"`
	UnitAmountInPennies int64  `json:"unit_amount_in_pennies"`
	Currency            string `json:"currency"`
	IntervalType        string `json:"interval_type"`
	IntervalCount       int    `json:"interval_count"`
	TermLength          int    `json:"term_length"`
}

// SubscriptionPayload is the provider-agnostic subscription projection
// input. LocalUUID, when present, links the processor record to a
// locally-originated (delegation-backed) subscription.
type SubscriptionPayload struct {
	ExternalID         string     `json:"external_id"`
	LocalUUID          string     `json:"local_uuid,omitempty"`
	CustomerExternalID string     `json:"customer_external_id"`
	ProductExternalID  string     `json:"product_external_id"`
	PriceExternalID    string     `json:"price_external_id"`
	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
}

// InvoicePayload is the provider-agnostic invoice projection input.
// Invoices against processor-owned subscriptions land in the subscription
// event stream.
type InvoicePayload struct {
	ExternalID             string `json:"external_id"`
	SubscriptionExternalID string `json:"subscription_external_id"`
	AmountInCents          int64  `json:"amount_in_cents"`
	Paid                   bool   `json:"paid"`
	FailureMessage         string `json:"failure_message,omitempty"`
}
