package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/chainbillhq/chainbill/internal/pkg/cache"
	"github.com/chainbillhq/chainbill/internal/pkg/database"
	"github.com/chainbillhq/chainbill/internal/pkg/dunning"
	"github.com/chainbillhq/chainbill/internal/pkg/env"
	"github.com/chainbillhq/chainbill/internal/pkg/jobqueue"
	"github.com/chainbillhq/chainbill/internal/pkg/ledger"
	"github.com/chainbillhq/chainbill/internal/pkg/paymentsync"
	"github.com/chainbillhq/chainbill/internal/pkg/router"
	"github.com/chainbillhq/chainbill/app/repository"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repository.InitializeFactory(db)

	// Billing services share one DB handle; the chain gateway client is the
	// only outbound dependency.
	billingLedger := ledger.NewLedger(db, ledger.NewGatewayRedeemerFromEnv())
	jobqueue.Configure(jobqueue.Services{
		Ledger:      billingLedger,
		Dunning:     dunning.NewEngine(db, billingLedger, dunning.NewNotifierFromEnv(db)),
		PaymentSync: paymentsync.NewCoordinator(db),
	})
	jobqueue.GetManager().Start()

	app := fiber.New(fiber.Config{
		AppName: "chainbill",
	})
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", "admin"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}
