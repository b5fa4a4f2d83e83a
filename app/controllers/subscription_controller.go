package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/chainbillhq/chainbill/app/models"
	"github.com/chainbillhq/chainbill/app/repository"
	"github.com/chainbillhq/chainbill/internal/pkg/database"
	"github.com/chainbillhq/chainbill/internal/pkg/delegation"
	"github.com/chainbillhq/chainbill/internal/pkg/ledger"
)

// createSubscriptionRequest is the signup DTO. Entity references are public
// UUIDs; the token pairing is selected by symbol and network within the
// product.
type createSubscriptionRequest struct {
	WorkspaceUUID string `json:"workspace_id" validate:"required,uuid4"`
	CustomerUUID  string `json:"customer_id" validate:"required,uuid4"`
	ProductUUID   string `json:"product_id" validate:"required,uuid4"`
	PriceUUID     string `json:"price_id" validate:"required,uuid4"`
	TokenSymbol   string `json:"token_symbol" validate:"required"`
	Network       string `json:"network" validate:"required"`
	TokenAmount   int64  `json:"token_amount" validate:"required,gt=0"`

	Delegation struct {
		DelegateAddress  string            `json:"delegate_address" validate:"required"`
		DelegatorAddress string            `json:"delegator_address" validate:"required"`
		Authority        string            `json:"authority" validate:"required"`
		Salt             string            `json:"salt"`
		Signature        string            `json:"signature" validate:"required"`
		Caveats          []delegation.Caveat `json:"caveats"`
	} `json:"delegation" validate:"required"`
}

func ledgerService() *ledger.Ledger {
	return ledger.NewLedger(database.GetDB(), ledger.NewGatewayRedeemerFromEnv())
}

// HandleCreateSubscription validates the signup, stores the delegation and
// subscription and runs the first redemption synchronously. A subscription
// whose first redemption failed is still created (status overdue); the
// response carries whatever state it ended up in.
func HandleCreateSubscription(c *fiber.Ctx) error {
	var req createSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	repos := repository.GetGlobalRepositories()
	workspace, err := repos.Workspace.GetByUUID(req.WorkspaceUUID)
	if err != nil {
		return notFoundOr500(c, err, "workspace")
	}
	customer, err := repos.Customer.GetByUUID(req.CustomerUUID)
	if err != nil {
		return notFoundOr500(c, err, "customer")
	}
	product, err := repos.Product.GetByUUID(req.ProductUUID)
	if err != nil {
		return notFoundOr500(c, err, "product")
	}
	price, err := repos.Product.GetPriceByUUID(req.PriceUUID)
	if err != nil {
		return notFoundOr500(c, err, "price")
	}

	if customer.WorkspaceID != workspace.ID || product.WorkspaceID != workspace.ID {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "workspace_mismatch"})
	}

	tokens, err := repos.Product.ListTokens(product.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "token_lookup_failed"})
	}
	var pairing *models.ProductToken
	for i := range tokens {
		if tokens[i].TokenSymbol == req.TokenSymbol && tokens[i].Network == req.Network {
			pairing = &tokens[i]
			break
		}
	}
	if pairing == nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "unknown_token_pairing"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	sub, err := ledgerService().CreateSubscription(ctx, ledger.CreateInput{
		WorkspaceID:    workspace.ID,
		CustomerID:     customer.ID,
		ProductID:      product.ID,
		PriceID:        price.ID,
		ProductTokenID: pairing.ID,
		TokenAmount:    req.TokenAmount,
		Delegation: delegation.SignedDelegation{
			DelegateAddress:  req.Delegation.DelegateAddress,
			DelegatorAddress: req.Delegation.DelegatorAddress,
			Authority:        req.Delegation.Authority,
			Caveats:          req.Delegation.Caveats,
			Salt:             req.Delegation.Salt,
			Signature:        req.Delegation.Signature,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, delegation.ErrInvalidSignature),
			errors.Is(err, delegation.ErrUnknownCaveatKind),
			errors.Is(err, delegation.ErrCaveatViolation),
			errors.Is(err, ledger.ErrInvalidProductPairing):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_create_failed"})
		}
	}

	return c.Status(fiber.StatusCreated).JSON(sub)
}

// HandleGetSubscription returns a subscription by its public identifier.
func HandleGetSubscription(c *fiber.Ctx) error {
	sub, err := ledgerService().GetByUUID(c.Params("uuid"))
	if err != nil {
		return notFoundOr500(c, err, "subscription")
	}
	return c.JSON(sub)
}

// HandleListSubscriptions returns a workspace's subscriptions, newest first.
func HandleListSubscriptions(c *fiber.Ctx) error {
	workspace, err := repository.GetGlobalRepositories().Workspace.GetByUUID(c.Params("uuid"))
	if err != nil {
		return notFoundOr500(c, err, "workspace")
	}
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	subs, err := ledgerService().ListByWorkspace(workspace.ID, offset, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list_failed"})
	}
	return c.JSON(fiber.Map{"subscriptions": subs, "offset": offset, "limit": limit})
}

// HandleCancelSubscription cancels a subscription. Canceling twice answers
// 200 both times.
func HandleCancelSubscription(c *fiber.Ctx) error {
	svc := ledgerService()
	sub, err := svc.GetByUUID(c.Params("uuid"))
	if err != nil {
		return notFoundOr500(c, err, "subscription")
	}
	reason := c.Query("reason", "canceled via api")
	if err := svc.Cancel(sub.ID, reason); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cancel_failed"})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleListSubscriptionEvents returns a subscription's audit trail, newest
// first.
func HandleListSubscriptionEvents(c *fiber.Ctx) error {
	svc := ledgerService()
	sub, err := svc.GetByUUID(c.Params("uuid"))
	if err != nil {
		return notFoundOr500(c, err, "subscription")
	}
	eventRows, err := svc.Recorder().ListBySubscription(sub.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "events_lookup_failed"})
	}
	return c.JSON(fiber.Map{"events": eventRows})
}

func notFoundOr500(c *fiber.Ctx, err error, entity string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": entity + " not found"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
}
