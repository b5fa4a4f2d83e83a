package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/chainbillhq/chainbill/app/controllers"
	"github.com/chainbillhq/chainbill/internal/pkg/env"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "chainbill api",
		})
	})

	v1 := api.Group("/v1")

	// Webhook ingress. Providers retry on non-2xx, so handlers answer 200
	// for everything except routing and signature failures.
	v1.Post("/webhooks/:provider", controllers.HandleProviderWebhook)

	// Chain gateway confirmation callback, bearer-authenticated
	v1.Post("/chain/confirmations", controllers.HandleChainConfirmation)

	// Subscription lifecycle
	v1.Post("/subscriptions", controllers.HandleCreateSubscription)
	v1.Get("/subscriptions/:uuid", controllers.HandleGetSubscription)
	v1.Delete("/subscriptions/:uuid", controllers.HandleCancelSubscription)
	v1.Get("/subscriptions/:uuid/events", controllers.HandleListSubscriptionEvents)
	v1.Get("/workspaces/:uuid/subscriptions", controllers.HandleListSubscriptions)

	// Batch sync sessions
	v1.Post("/workspaces/:uuid/sync-sessions", controllers.HandleRunSyncSession)
	v1.Get("/sync-sessions/:session", controllers.HandleGetSyncSession)

	// Admin provisioning and ops, behind basicauth
	admin := v1.Group("/admin", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", "admin"),
		},
	}))
	admin.Post("/workspaces", controllers.HandleAdminCreateWorkspace)
	admin.Post("/workspaces/:uuid/customers", controllers.HandleAdminCreateCustomer)
	admin.Post("/workspaces/:uuid/products", controllers.HandleAdminCreateProduct)
	admin.Post("/workspaces/:uuid/provider-accounts", controllers.HandleAdminCreateProviderAccount)
	admin.Post("/workspaces/:uuid/dunning-config", controllers.HandleAdminCreateDunningConfig)
	admin.Get("/queue/stats", controllers.HandleQueueStats)
	admin.Post("/queue/sweep", controllers.HandleQueueSweepNow)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
