package paymentsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chainbillhq/chainbill/app/models"
	"github.com/chainbillhq/chainbill/internal/pkg/events"
)

// ErrUnknownEntityKind is returned for events whose entity kind the
// projection does not understand. Fail closed, same as caveat handling.
var ErrUnknownEntityKind = errors.New("unknown sync entity kind")

// ErrUnknownProcessorStatus is returned when a processor reports a
// subscription status outside the mapped set.
var ErrUnknownProcessorStatus = errors.New("unknown processor subscription status")

// mapProcessorStatus translates a processor's subscription status into the
// local closed enum. Unknown statuses are an error, not a guess.
func mapProcessorStatus(status string) (string, error) {
	switch status {
	case "active", "trialing":
		return models.SubscriptionStatusActive, nil
	case "past_due", "unpaid", "incomplete":
		return models.SubscriptionStatusOverdue, nil
	case "canceled":
		return models.SubscriptionStatusCanceled, nil
	case "paused":
		return models.SubscriptionStatusSuspended, nil
	case "expired":
		return models.SubscriptionStatusExpired, nil
	case "completed":
		return models.SubscriptionStatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProcessorStatus, status)
	}
}

// projectEntity applies one processor event to local entities inside the
// caller's transaction. Projection is additive-only for delegation-backed
// subscriptions: the processor may touch sync metadata, never the lifecycle
// fields the redemption path owns.
func projectEntity(tx *gorm.DB, workspaceID uint, in InboundEvent) error {
	switch in.EntityKind {
	case models.SyncEntityCustomer:
		return projectCustomer(tx, workspaceID, in)
	case models.SyncEntityProduct:
		return projectProduct(tx, workspaceID, in)
	case models.SyncEntityPrice:
		return projectPrice(tx, workspaceID, in)
	case models.SyncEntitySubscription:
		return projectSubscription(tx, workspaceID, in)
	case models.SyncEntityInvoice:
		return projectInvoice(tx, workspaceID, in)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEntityKind, in.EntityKind)
	}
}

func projectCustomer(tx *gorm.DB, workspaceID uint, in InboundEvent) error {
	var p CustomerPayload
	if err := json.Unmarshal([]byte(in.PayloadJSON), &p); err != nil {
		return fmt.Errorf("customer payload: %w", err)
	}
	if p.ExternalID == "" {
		return errors.New("customer payload missing external_id")
	}
	now := time.Now()
	customer := &models.Customer{
		UUID:            uuid.NewString(),
		WorkspaceID:     workspaceID,
		Email:           p.Email,
		WalletAddress:   p.WalletAddress,
		ExternalID:      &p.ExternalID,
		PaymentProvider: &in.Provider,
		PaymentSyncedAt: &now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "workspace_id"},
			{Name: "external_id"},
			{Name: "payment_provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"email",
			"wallet_address",
			"payment_synced_at",
			"updated_at",
		}),
	}).Create(customer).Error
}

func projectProduct(tx *gorm.DB, workspaceID uint, in InboundEvent) error {
	var p ProductPayload
	if err := json.Unmarshal([]byte(in.PayloadJSON), &p); err != nil {
		return fmt.Errorf("product payload: %w", err)
	}
	if p.ExternalID == "" {
		return errors.New("product payload missing external_id")
	}
	now := time.Now()
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	product := &models.Product{
		UUID:            uuid.NewString(),
		WorkspaceID:     workspaceID,
		Name:            p.Name,
		Description:     p.Description,
		IsActive:        active,
		ExternalID:      &p.ExternalID,
		PaymentProvider: &in.Provider,
		PaymentSyncedAt: &now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "workspace_id"},
			{Name: "external_id"},
			{Name: "payment_provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"description",
			"is_active",
			"payment_synced_at",
			"updated_at",
		}),
	}).Create(product).Error
}

func projectPrice(tx *gorm.DB, workspaceID uint, in InboundEvent) error {
	var p PricePayload
	if err := json.Unmarshal([]byte(in.PayloadJSON), &p); err != nil {
		return fmt.Errorf("price payload: %w", err)
	}
	if p.ExternalID == "" || p.ProductExternalID == "" {
		return errors.New("price payload missing external ids")
	}
	var product models.Product
	err := tx.Where("workspace_id = ? AND external_id = ? AND payment_provider = ?",
		workspaceID, p.ProductExternalID, in.Provider).First(&product).Error
	if err != nil {
		return fmt.Errorf("price references unknown product %q: %w", p.ProductExternalID, err)
	}

	now := time.Now()
	var existing models.Price
	err = tx.Where("product_id = ? AND external_id = ? AND payment_provider = ?",
		product.ID, p.ExternalID, in.Provider).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		price := &models.Price{
			UUID:                uuid.NewString(),
			ProductID:           product.ID,
			UnitAmountInPennies: p.UnitAmountInPennies,
			Currency:            p.Currency,
			IntervalType:        p.IntervalType,
			IntervalCount:       p.IntervalCount,
			TermLength:          p.TermLength,
			ExternalID:          p.ExternalID,
			PaymentProvider:     in.Provider,
			PaymentSyncedAt:     &now,
			IsActive:            true,
		}
		return tx.Create(price).Error
	}
	if err != nil {
		return err
	}
	// Amount and interval are immutable on processors too; only sync
	// metadata refreshes on re-delivery.
	return tx.Model(&existing).Updates(map[string]interface{}{
		"payment_synced_at": &now,
	}).Error
}

func projectSubscription(tx *gorm.DB, workspaceID uint, in InboundEvent) error {
	var p SubscriptionPayload
	if err := json.Unmarshal([]byte(in.PayloadJSON), &p); err != nil {
		return fmt.Errorf("subscription payload: %w", err)
	}
	if p.ExternalID == "" {
		return errors.New("subscription payload missing external_id")
	}
	now := time.Now()

	// Linking path: the processor echoes back a locally-originated
	// subscription. Only sync metadata may change.
	if p.LocalUUID != "" {
		var local models.Subscription
		err := tx.Where("uuid = ? AND workspace_id = ?", p.LocalUUID, workspaceID).First(&local).Error
		if err != nil {
			return fmt.Errorf("subscription links unknown local record %q: %w", p.LocalUUID, err)
		}
		return tx.Model(&local).Updates(map[string]interface{}{
			"external_id":         p.ExternalID,
			"payment_provider":    in.Provider,
			"payment_sync_status": models.PaymentSyncStatusSynced,
			"payment_synced_at":   &now,
			"sync_version":        gorm.Expr("sync_version + 1"),
		}).Error
	}

	var existing models.Subscription
	err := tx.Where("workspace_id = ? AND external_id = ? AND payment_provider = ? AND deleted_at IS NULL",
		workspaceID, p.ExternalID, in.Provider).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return createProcessorSubscription(tx, workspaceID, in, p, now)
	case err != nil:
		return err
	}

	if existing.IsDelegationBacked() {
		// Projection boundary: the on-chain path owns status,
		// next_redemption_date and the counters.
		return tx.Model(&existing).Updates(map[string]interface{}{
			"payment_sync_status": models.PaymentSyncStatusSynced,
			"payment_synced_at":   &now,
			"sync_version":        gorm.Expr("sync_version + 1"),
		}).Error
	}

	status, err := mapProcessorStatus(p.Status)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"status":               status,
		"current_period_start": p.CurrentPeriodStart,
		"current_period_end":   p.CurrentPeriodEnd,
		"payment_sync_status":  models.PaymentSyncStatusSynced,
		"payment_synced_at":    &now,
		"sync_version":         gorm.Expr("sync_version + 1"),
	}
	if p.CanceledAt != nil {
		updates["canceled_at"] = p.CanceledAt
	}
	return tx.Model(&existing).Updates(updates).Error
}

func createProcessorSubscription(tx *gorm.DB, workspaceID uint, in InboundEvent, p SubscriptionPayload, now time.Time) error {
	status, err := mapProcessorStatus(p.Status)
	if err != nil {
		return err
	}
	var customer models.Customer
	if err := tx.Where("workspace_id = ? AND external_id = ? AND payment_provider = ?",
		workspaceID, p.CustomerExternalID, in.Provider).First(&customer).Error; err != nil {
		return fmt.Errorf("subscription references unknown customer %q: %w", p.CustomerExternalID, err)
	}
	var product models.Product
	if err := tx.Where("workspace_id = ? AND external_id = ? AND payment_provider = ?",
		workspaceID, p.ProductExternalID, in.Provider).First(&product).Error; err != nil {
		return fmt.Errorf("subscription references unknown product %q: %w", p.ProductExternalID, err)
	}
	var price models.Price
	if err := tx.Where("product_id = ? AND external_id = ? AND payment_provider = ?",
		product.ID, p.PriceExternalID, in.Provider).First(&price).Error; err != nil {
		return fmt.Errorf("subscription references unknown price %q: %w", p.PriceExternalID, err)
	}

	// Processor-owned: no delegation, and next_redemption_date stays NULL
	// so the redemption scheduler never claims it.
	sub := &models.Subscription{
		UUID:               uuid.NewString(),
		WorkspaceID:        workspaceID,
		CustomerID:         customer.ID,
		ProductID:          product.ID,
		PriceID:            price.ID,
		Status:             status,
		CurrentPeriodStart: p.CurrentPeriodStart,
		CurrentPeriodEnd:   p.CurrentPeriodEnd,
		CanceledAt:         p.CanceledAt,
		ExternalID:         &p.ExternalID,
		PaymentProvider:    &in.Provider,
		PaymentSyncStatus:  models.PaymentSyncStatusSynced,
		PaymentSyncedAt:    &now,
		SyncVersion:        1,
	}
	return tx.Create(sub).Error
}

func projectInvoice(tx *gorm.DB, workspaceID uint, in InboundEvent) error {
	var p InvoicePayload
	if err := json.Unmarshal([]byte(in.PayloadJSON), &p); err != nil {
		return fmt.Errorf("invoice payload: %w", err)
	}
	if p.SubscriptionExternalID == "" {
		return errors.New("invoice payload missing subscription_external_id")
	}
	var sub models.Subscription
	err := tx.Where("workspace_id = ? AND external_id = ? AND payment_provider = ? AND deleted_at IS NULL",
		workspaceID, p.SubscriptionExternalID, in.Provider).First(&sub).Error
	if err != nil {
		return fmt.Errorf("invoice references unknown subscription %q: %w", p.SubscriptionExternalID, err)
	}

	recorder := events.NewRecorder(tx)
	entry := events.Entry{
		SubscriptionID: sub.ID,
		AmountInCents:  p.AmountInCents,
		OccurredAt:     time.Now(),
	}
	if p.Paid {
		entry.EventType = models.EventTypeRenewed
	} else {
		entry.EventType = models.EventTypeFailed
		entry.ErrorMessage = p.FailureMessage
	}
	if _, err := recorder.RecordTx(tx, entry); err != nil {
		return err
	}

	// Paid invoices advance the processor-owned totals; the on-chain
	// counters of delegation-backed subscriptions stay untouched.
	if p.Paid && sub.IsProcessorOwned() {
		return tx.Model(&sub).Updates(map[string]interface{}{
			"total_redemptions":     gorm.Expr("total_redemptions + 1"),
			"total_amount_in_cents": gorm.Expr("total_amount_in_cents + ?", p.AmountInCents),
		}).Error
	}
	return nil
}
