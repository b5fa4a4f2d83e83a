package controllers

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/chainbillhq/chainbill/app/models"
	"github.com/chainbillhq/chainbill/internal/pkg/database"
	"github.com/chainbillhq/chainbill/internal/pkg/paymentsync"
)

// webhookEnvelope is the provider-neutral delivery shape. Provider-specific
// adapters upstream normalize into it; header values win over body fields
// when both carry the same datum.
type webhookEnvelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	EntityKind  string          `json:"entity_kind"`
	AccountID   string          `json:"account_id"`
	Environment string          `json:"environment"`
	Data        json.RawMessage `json:"data"`
}

// HandleProviderWebhook ingests one processor webhook delivery. The event
// is always persisted before any entity is touched; duplicates and replay
// deliveries answer 200 so the provider stops retrying.
func HandleProviderWebhook(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Params("provider")))
	if provider == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_provider"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	var envelope webhookEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	accountID := firstHeaderValue(c, "X-Provider-Account-ID", "X-Provider-Account")
	if accountID == "" {
		accountID = strings.TrimSpace(envelope.AccountID)
	}
	eventID := firstHeaderValue(c, "X-Webhook-Event-ID", "X-Webhook-Delivery")
	if eventID == "" {
		eventID = strings.TrimSpace(envelope.EventID)
	}
	environment := firstHeaderValue(c, "X-Provider-Environment")
	if environment == "" {
		environment = strings.TrimSpace(envelope.Environment)
	}
	if environment == "" {
		environment = models.EnvironmentLive
	}

	signature := c.Get("X-Webhook-Signature")
	signatureValid := paymentsync.VerifyWebhookSignature(rawBody, signature, paymentsync.WebhookSecret(provider))

	coordinator := paymentsync.NewCoordinator(database.GetDB())
	workspaceID, err := coordinator.RouteInbound(accountID, provider, environment)
	if err != nil {
		if errors.Is(err, paymentsync.ErrUnroutable) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider_account"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "routing_failed"})
	}

	payload := string(rawBody)
	if len(envelope.Data) > 0 {
		payload = string(envelope.Data)
	}

	result, err := coordinator.ApplyEvent(workspaceID, paymentsync.InboundEvent{
		Provider:          provider,
		ProviderAccountID: accountID,
		Environment:       environment,
		WebhookEventID:    eventID,
		EventType:         envelope.EventType,
		EntityKind:        envelope.EntityKind,
		PayloadJSON:       payload,
		SignatureValid:    signatureValid,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}

	switch result.Outcome {
	case paymentsync.OutcomeRejected:
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	case paymentsync.OutcomeSkipped:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	case paymentsync.OutcomeFailed:
		// The event and its attempt count are durable; the provider should
		// redeliver so the bounded retry budget can run down.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": false, "outcome": string(result.Outcome)})
	default:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": string(result.Outcome)})
	}
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
