package controllers

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/chainbillhq/chainbill/app/models"
	"github.com/chainbillhq/chainbill/app/repository"
)

// Admin provisioning endpoints. These sit behind the admin basicauth group
// and exist for operators and integration tests; tenant self-service lives
// in a separate surface.

type createWorkspaceRequest struct {
	Name string `json:"name" validate:"required,min=2,max=200"`
}

func HandleAdminCreateWorkspace(c *fiber.Ctx) error {
	var req createWorkspaceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	workspace := &models.Workspace{
		UUID:     uuid.NewString(),
		Name:     req.Name,
		IsActive: true,
	}
	if err := repository.GetGlobalRepositories().Workspace.Create(workspace); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "create_failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(workspace)
}

type createCustomerRequest struct {
	Email         string `json:"email" validate:"omitempty,email"`
	WalletAddress string `json:"wallet_address" validate:"required"`
}

func HandleAdminCreateCustomer(c *fiber.Ctx) error {
	workspace, err := repository.GetGlobalRepositories().Workspace.GetByUUID(c.Params("uuid"))
	if err != nil {
		return notFoundOr500(c, err, "workspace")
	}
	var req createCustomerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	customer := &models.Customer{
		UUID:          uuid.NewString(),
		WorkspaceID:   workspace.ID,
		Email:         req.Email,
		WalletAddress: req.WalletAddress,
	}
	if err := repository.GetGlobalRepositories().Customer.Create(customer); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "create_failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(customer)
}

type createProductRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=200"`
	Description string `json:"description"`

	Prices []struct {
		UnitAmountInPennies int64  `json:"unit_amount_in_pennies" validate:"required,gt=0"`
		Currency            string `json:"currency" validate:"required,len=3"`
		IntervalType        string `json:"interval_type" validate:"required,oneof=day week month year"`
		IntervalCount       int    `json:"interval_count" validate:"required,gte=1"`
		TermLength          int    `json:"term_length" validate:"gte=0"`
	} `json:"prices" validate:"required,min=1,dive"`

	Tokens []struct {
		TokenSymbol   string `json:"token_symbol" validate:"required"`
		TokenAddress  string `json:"token_address" validate:"required"`
		TokenDecimals int    `json:"token_decimals" validate:"gte=0,lte=36"`
		Network       string `json:"network" validate:"required"`
		RecipientAddr string `json:"recipient_address" validate:"required"`
	} `json:"tokens" validate:"required,min=1,dive"`
}

func HandleAdminCreateProduct(c *fiber.Ctx) error {
	workspace, err := repository.GetGlobalRepositories().Workspace.GetByUUID(c.Params("uuid"))
	if err != nil {
		return notFoundOr500(c, err, "workspace")
	}
	var req createProductRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	repo := repository.GetGlobalRepositories().Product
	product := &models.Product{
		UUID:        uuid.NewString(),
		WorkspaceID: workspace.ID,
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
	}
	if err := repo.Create(product); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "create_failed"})
	}
	for _, p := range req.Prices {
		price := &models.Price{
			UUID:                uuid.NewString(),
			ProductID:           product.ID,
			UnitAmountInPennies: p.UnitAmountInPennies,
			Currency:            p.Currency,
			IntervalType:        p.IntervalType,
			IntervalCount:       p.IntervalCount,
			TermLength:          p.TermLength,
			IsActive:            true,
		}
		if err := repo.CreatePrice(price); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "price_create_failed"})
		}
	}
	for _, t := range req.Tokens {
		decimals := t.TokenDecimals
		if decimals == 0 {
			decimals = 18
		}
		token := &models.ProductToken{
			ProductID:     product.ID,
			TokenSymbol:   t.TokenSymbol,
			TokenAddress:  t.TokenAddress,
			TokenDecimals: decimals,
			Network:       t.Network,
			RecipientAddr: t.RecipientAddr,
			IsActive:      true,
		}
		if err := repo.CreateToken(token); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "token_create_failed"})
		}
	}
	return c.Status(fiber.StatusCreated).JSON(product)
}

type createProviderAccountRequest struct {
	Provider          string `json:"provider" validate:"required"`
	ProviderAccountID string `json:"provider_account_id" validate:"required"`
	Environment       string `json:"environment" validate:"required,oneof=live test sandbox"`
}

func HandleAdminCreateProviderAccount(c *fiber.Ctx) error {
	workspace, err := repository.GetGlobalRepositories().Workspace.GetByUUID(c.Params("uuid"))
	if err != nil {
		return notFoundOr500(c, err, "workspace")
	}
	var req createProviderAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	account := &models.WorkspaceProviderAccount{
		WorkspaceID:       workspace.ID,
		Provider:          req.Provider,
		ProviderAccountID: req.ProviderAccountID,
		Environment:       req.Environment,
		IsActive:          true,
	}
	if err := repository.GetGlobalRepositories().ProviderAccount.Create(account); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "create_failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(account)
}

type createDunningConfigRequest struct {
	MaxRetryAttempts  int    `json:"max_retry_attempts" validate:"required,gte=1,lte=10"`
	RetryIntervalDays []int  `json:"retry_interval_days" validate:"required,min=1,dive,gte=1"`
	GracePeriodHours  int    `json:"grace_period_hours" validate:"gte=0"`
	FinalAction       string `json:"final_action" validate:"required,oneof=cancel suspend notify_only"`
	PreDunningDays    int    `json:"pre_dunning_days" validate:"gte=0"`
}

func HandleAdminCreateDunningConfig(c *fiber.Ctx) error {
	workspace, err := repository.GetGlobalRepositories().Workspace.GetByUUID(c.Params("uuid"))
	if err != nil {
		return notFoundOr500(c, err, "workspace")
	}
	var req createDunningConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	intervals, err := json.Marshal(req.RetryIntervalDays)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	cfg := &models.DunningConfiguration{
		WorkspaceID:           workspace.ID,
		MaxRetryAttempts:      req.MaxRetryAttempts,
		RetryIntervalDaysJSON: string(intervals),
		GracePeriodHours:      req.GracePeriodHours,
		FinalAction:           req.FinalAction,
		PreDunningDays:        req.PreDunningDays,
		IsActive:              true,
	}
	if err := repository.GetGlobalRepositories().DunningConfig.Create(cfg); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "create_failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(cfg)
}
