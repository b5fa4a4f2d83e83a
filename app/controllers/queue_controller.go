package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/chainbillhq/chainbill/internal/pkg/jobqueue"
)

// HandleQueueStats reports job counts and list sizes for operators.
func HandleQueueStats(c *fiber.Ctx) error {
	queue := jobqueue.GetManager().GetQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := queue.GetJobStats(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	pending, _ := queue.GetQueueSize(ctx)
	processing, _ := queue.GetProcessingSize(ctx)

	return c.JSON(fiber.Map{
		"stats":      stats,
		"pending":    pending,
		"processing": processing,
		"running":    jobqueue.GetManager().IsRunning(),
	})
}

// HandleQueueSweepNow triggers a redemption sweep outside the ticker, for
// operators draining a backlog.
func HandleQueueSweepNow(c *fiber.Ctx) error {
	if err := jobqueue.GetManager().RunRedemptionSweepOnce(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sweep_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"ok": true})
}
