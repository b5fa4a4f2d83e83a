package controllers

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/chainbillhq/chainbill/internal/pkg/env"
)

// chainConfirmationRequest is the chain gateway's async callback shape for
// a previously submitted redemption.
type chainConfirmationRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
	Status string `json:"status" validate:"required,oneof=confirmed reverted"`
}

// HandleChainConfirmation ingests the gateway's confirmation callback. The
// gateway authenticates with the same bearer key the redeemer uses for
// submissions; a revert flips the optimistic success back to overdue.
func HandleChainConfirmation(c *fiber.Ctx) error {
	key := strings.TrimSpace(env.GetEnv("CHAIN_GATEWAY_API_KEY", ""))
	if key == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "gateway_key_not_configured"})
	}
	presented := strings.TrimSpace(strings.TrimPrefix(c.Get("Authorization"), "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req chainConfirmationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	if err := ledgerService().OnConfirmed(req.TxHash, req.Status); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_transaction"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "confirmation_failed"})
	}
	return c.JSON(fiber.Map{"ok": true})
}
