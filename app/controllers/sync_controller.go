package controllers

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/chainbillhq/chainbill/internal/pkg/database"
	"github.com/chainbillhq/chainbill/internal/pkg/jobqueue"
	"github.com/chainbillhq/chainbill/internal/pkg/paymentsync"
	"github.com/chainbillhq/chainbill/app/repository"
)

// runSyncSessionRequest is the batch sync DTO. Events arrive already
// normalized; signature validity is asserted by the caller because batch
// syncs come from an authenticated backfill, not a webhook.
type runSyncSessionRequest struct {
	Provider    string `json:"provider" validate:"required"`
	SessionType string `json:"session_type" validate:"required,oneof=full incremental"`
	Events      []struct {
		ProviderAccountID string          `json:"provider_account_id"`
		WebhookEventID    string          `json:"event_id"`
		EventType         string          `json:"event_type"`
		EntityKind        string          `json:"entity_kind" validate:"required"`
		Payload           json.RawMessage `json:"payload"`
	} `json:"events" validate:"required,min=1,dive"`
}

// HandleRunSyncSession records a sync session and hands the batch to the
// job queue. The response carries the session UUID for polling; the run
// itself is idempotent and crash-resumable.
func HandleRunSyncSession(c *fiber.Ctx) error {
	workspace, err := repository.GetGlobalRepositories().Workspace.GetByUUID(c.Params("uuid"))
	if err != nil {
		return notFoundOr500(c, err, "workspace")
	}

	var req runSyncSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	batch := make([]paymentsync.InboundEvent, 0, len(req.Events))
	for _, e := range req.Events {
		batch = append(batch, paymentsync.InboundEvent{
			Provider:          req.Provider,
			ProviderAccountID: e.ProviderAccountID,
			WebhookEventID:    e.WebhookEventID,
			EventType:         e.EventType,
			EntityKind:        e.EntityKind,
			PayloadJSON:       string(e.Payload),
			SignatureValid:    true,
		})
	}
	eventsJSON, err := json.Marshal(batch)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	coordinator := paymentsync.NewCoordinator(database.GetDB())
	session, err := coordinator.CreateSession(workspace.ID, req.Provider, req.SessionType)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session_create_failed"})
	}

	payload := jobqueue.RunSyncSessionJobPayload{
		SessionUUID: session.UUID,
		EventsJSON:  string(eventsJSON),
	}
	if _, err := jobqueue.GetManager().GetQueue().EnqueueJob(jobqueue.JobTypeRunSyncSession, payload.ToMap()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "enqueue_failed"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"session_id": session.UUID, "status": session.Status})
}

// HandleGetSyncSession returns a sync session's progress counters.
func HandleGetSyncSession(c *fiber.Ctx) error {
	session, err := paymentsync.NewCoordinator(database.GetDB()).GetSession(c.Params("session"))
	if err != nil {
		return notFoundOr500(c, err, "sync session")
	}
	return c.JSON(session)
}
