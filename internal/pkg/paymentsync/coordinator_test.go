package paymentsync

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chainbillhq/chainbill/app/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:paymentsync_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	err = db.AutoMigrate(
		&models.Workspace{},
		&models.WorkspaceProviderAccount{},
		&models.Customer{},
		&models.Product{},
		&models.Price{},
		&models.DelegationRecord{},
		&models.Subscription{},
		&models.SubscriptionEvent{},
		&models.PaymentSyncSession{},
		&models.PaymentSyncEvent{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestCoordinator(t *testing.T) (*Coordinator, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return &Coordinator{db: db, maxAttempts: 3}, db
}

func customerEvent(eventID, externalID, email string) InboundEvent {
	return InboundEvent{
		Provider:          "stripe",
		ProviderAccountID: "acct_100",
		WebhookEventID:    eventID,
		EventType:         "customer.updated",
		EntityKind:        models.SyncEntityCustomer,
		PayloadJSON:       fmt.Sprintf(`{"external_id":%q,"email":%q}`, externalID, email),
		SignatureValid:    true,
	}
}

func TestRouteInbound(t *testing.T) {
	c, db := newTestCoordinator(t)
	mapping := models.WorkspaceProviderAccount{
		WorkspaceID:       5,
		Provider:          "stripe",
		ProviderAccountID: "acct_100",
		Environment:       models.EnvironmentLive,
		IsActive:          true,
	}
	if err := db.Create(&mapping).Error; err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	workspaceID, err := c.RouteInbound("acct_100", "Stripe", "")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if workspaceID != 5 {
		t.Fatalf("workspace = %d, want 5", workspaceID)
	}

	if _, err := c.RouteInbound("acct_unknown", "stripe", ""); !errors.Is(err, ErrUnroutable) {
		t.Fatalf("unknown account must be unroutable, got: %v", err)
	}
	if _, err := c.RouteInbound("acct_100", "stripe", models.EnvironmentTest); !errors.Is(err, ErrUnroutable) {
		t.Fatalf("environment mismatch must be unroutable, got: %v", err)
	}
	if _, err := c.RouteInbound("", "stripe", ""); !errors.Is(err, ErrUnroutable) {
		t.Fatalf("empty account id must be unroutable, got: %v", err)
	}

	if err := db.Model(&mapping).Update("is_active", false).Error; err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := c.RouteInbound("acct_100", "stripe", ""); !errors.Is(err, ErrUnroutable) {
		t.Fatalf("inactive mapping must be unroutable, got: %v", err)
	}
}

func TestApplyEventCreatesCustomerAndDedupes(t *testing.T) {
	c, db := newTestCoordinator(t)
	event := customerEvent("evt_1", "cus_abc", "a@example.com")

	result, err := c.ApplyEvent(5, event)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %q, want applied", result.Outcome)
	}

	var customer models.Customer
	if err := db.Where("workspace_id = ? AND external_id = ?", 5, "cus_abc").First(&customer).Error; err != nil {
		t.Fatalf("customer not projected: %v", err)
	}
	if customer.Email != "a@example.com" || customer.PaymentProvider == nil || *customer.PaymentProvider != "stripe" {
		t.Fatalf("customer fields: %+v", customer)
	}

	// Redelivery of the same webhook dedupes on the idempotency key.
	result, err = c.ApplyEvent(5, event)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %q, want skipped", result.Outcome)
	}

	var eventCount, customerCount int64
	db.Model(&models.PaymentSyncEvent{}).Count(&eventCount)
	db.Model(&models.Customer{}).Count(&customerCount)
	if eventCount != 1 || customerCount != 1 {
		t.Fatalf("events=%d customers=%d, want 1/1", eventCount, customerCount)
	}
}

func TestApplyEventRepeatDeliveryUpdatesCustomer(t *testing.T) {
	c, db := newTestCoordinator(t)

	if _, err := c.ApplyEvent(5, customerEvent("evt_1", "cus_abc", "old@example.com")); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	result, err := c.ApplyEvent(5, customerEvent("evt_2", "cus_abc", "new@example.com"))
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %q, want applied", result.Outcome)
	}

	var customers []models.Customer
	db.Where("workspace_id = ?", 5).Find(&customers)
	if len(customers) != 1 || customers[0].Email != "new@example.com" {
		t.Fatalf("customer update-in-place failed: %+v", customers)
	}
}

func TestApplyEventInvalidSignatureNeverMutates(t *testing.T) {
	c, db := newTestCoordinator(t)
	event := customerEvent("evt_1", "cus_abc", "a@example.com")
	event.SignatureValid = false

	result, err := c.ApplyEvent(5, event)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %q, want rejected", result.Outcome)
	}

	var customerCount int64
	db.Model(&models.Customer{}).Count(&customerCount)
	if customerCount != 0 {
		t.Fatal("a rejected event must never touch entities")
	}
	var stored models.PaymentSyncEvent
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("the rejected event must still be recorded: %v", err)
	}
	if stored.Status != models.SyncEventStatusRejected {
		t.Fatalf("event status = %q, want rejected", stored.Status)
	}

	// Rejection is terminal even when the redelivery has a valid signature:
	// the stored delivery keeps its verdict.
	event.SignatureValid = true
	result, err = c.ApplyEvent(5, event)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %q, want skipped", result.Outcome)
	}
}

func TestApplyEventBoundedRetry(t *testing.T) {
	c, db := newTestCoordinator(t)
	c.maxAttempts = 2
	event := InboundEvent{
		Provider:          "stripe",
		ProviderAccountID: "acct_100",
		WebhookEventID:    "evt_bad",
		EventType:         "mystery.created",
		EntityKind:        "mystery",
		PayloadJSON:       `{}`,
		SignatureValid:    true,
	}

	for attempt := 1; attempt <= 2; attempt++ {
		result, err := c.ApplyEvent(5, event)
		if err != nil {
			t.Fatalf("apply %d: %v", attempt, err)
		}
		if result.Outcome != OutcomeFailed {
			t.Fatalf("apply %d outcome = %q, want failed", attempt, result.Outcome)
		}
		if !errors.Is(result.Err, ErrUnknownEntityKind) {
			t.Fatalf("apply %d err = %v, want unknown entity kind", attempt, result.Err)
		}
		var stored models.PaymentSyncEvent
		if err := db.First(&stored).Error; err != nil {
			t.Fatalf("event row missing after failure: %v", err)
		}
		if stored.Status != models.SyncEventStatusFailed || stored.ProcessingAttempts != attempt {
			t.Fatalf("apply %d: status=%q attempts=%d", attempt, stored.Status, stored.ProcessingAttempts)
		}
	}

	result, err := c.ApplyEvent(5, event)
	if err != nil {
		t.Fatalf("apply past budget: %v", err)
	}
	if result.Outcome != OutcomeFailed || !errors.Is(result.Err, ErrAttemptsExhausted) {
		t.Fatalf("exhausted result: outcome=%q err=%v", result.Outcome, result.Err)
	}
}

func seedCatalog(t *testing.T, c *Coordinator) {
	t.Helper()
	seeds := []InboundEvent{
		customerEvent("evt_cus", "cus_abc", "a@example.com"),
		{
			Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_prod",
			EventType: "product.created", EntityKind: models.SyncEntityProduct,
			PayloadJSON:    `{"external_id":"prod_1","name":"Pro Plan"}`,
			SignatureValid: true,
		},
		{
			Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_price",
			EventType: "price.created", EntityKind: models.SyncEntityPrice,
			PayloadJSON:    `{"external_id":"price_1","product_external_id":"prod_1","unit_amount_in_pennies":1999,"currency":"usd","interval_type":"month","interval_count":1}`,
			SignatureValid: true,
		},
	}
	for _, seed := range seeds {
		result, err := c.ApplyEvent(5, seed)
		if err != nil || result.Outcome != OutcomeApplied {
			t.Fatalf("seed %s: outcome=%v err=%v", seed.WebhookEventID, result, err)
		}
	}
}

func TestProjectPriceIsImmutable(t *testing.T) {
	c, db := newTestCoordinator(t)
	seedCatalog(t, c)

	// A redelivered price with a different amount must not rewrite it.
	result, err := c.ApplyEvent(5, InboundEvent{
		Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_price_2",
		EventType: "price.updated", EntityKind: models.SyncEntityPrice,
		PayloadJSON:    `{"external_id":"price_1","product_external_id":"prod_1","unit_amount_in_pennies":9999,"currency":"usd","interval_type":"month","interval_count":1}`,
		SignatureValid: true,
	})
	if err != nil || result.Outcome != OutcomeApplied {
		t.Fatalf("apply: outcome=%v err=%v", result, err)
	}

	var price models.Price
	if err := db.Where("external_id = ?", "price_1").First(&price).Error; err != nil {
		t.Fatalf("price missing: %v", err)
	}
	if price.UnitAmountInPennies != 1999 {
		t.Fatalf("price amount = %d, the original 1999 must stand", price.UnitAmountInPennies)
	}
	if price.PaymentSyncedAt == nil {
		t.Fatal("sync metadata should still refresh")
	}
}

func TestProcessorOwnedSubscriptionCreate(t *testing.T) {
	c, db := newTestCoordinator(t)
	seedCatalog(t, c)

	result, err := c.ApplyEvent(5, InboundEvent{
		Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_sub",
		EventType: "subscription.created", EntityKind: models.SyncEntitySubscription,
		PayloadJSON:    `{"external_id":"sub_1","customer_external_id":"cus_abc","product_external_id":"prod_1","price_external_id":"price_1","status":"past_due"}`,
		SignatureValid: true,
	})
	if err != nil || result.Outcome != OutcomeApplied {
		t.Fatalf("apply: outcome=%v err=%v", result, err)
	}

	var sub models.Subscription
	if err := db.Where("external_id = ?", "sub_1").First(&sub).Error; err != nil {
		t.Fatalf("subscription not projected: %v", err)
	}
	if sub.Status != models.SubscriptionStatusOverdue {
		t.Fatalf("status = %q, want overdue for past_due", sub.Status)
	}
	if !sub.IsProcessorOwned() {
		t.Fatalf("subscription must be processor-owned: %+v", sub)
	}
	if sub.NextRedemptionDate != nil {
		t.Fatal("processor-owned subscriptions must stay off the redemption schedule")
	}
	if sub.SyncVersion != 1 {
		t.Fatalf("sync version = %d, want 1", sub.SyncVersion)
	}
}

func TestProjectSubscriptionUnknownStatus(t *testing.T) {
	c, _ := newTestCoordinator(t)
	seedCatalog(t, c)

	result, err := c.ApplyEvent(5, InboundEvent{
		Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_sub_bad",
		EventType: "subscription.created", EntityKind: models.SyncEntitySubscription,
		PayloadJSON:    `{"external_id":"sub_x","customer_external_id":"cus_abc","product_external_id":"prod_1","price_external_id":"price_1","status":"hibernating"}`,
		SignatureValid: true,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Outcome != OutcomeFailed || !errors.Is(result.Err, ErrUnknownProcessorStatus) {
		t.Fatalf("unknown status must fail closed: outcome=%q err=%v", result.Outcome, result.Err)
	}
}

func TestDelegationBackedProjectionBoundary(t *testing.T) {
	c, db := newTestCoordinator(t)
	seedCatalog(t, c)

	delegationID := uint(9)
	next := time.Now().Add(720 * time.Hour)
	local := models.Subscription{
		UUID:               uuid.NewString(),
		WorkspaceID:        5,
		CustomerID:         1,
		ProductID:          1,
		PriceID:            1,
		DelegationID:       &delegationID,
		Status:             models.SubscriptionStatusActive,
		NextRedemptionDate: &next,
	}
	if err := db.Create(&local).Error; err != nil {
		t.Fatalf("seed local subscription: %v", err)
	}

	// The processor echoes back the local record: linking sets the external
	// identity but may not touch lifecycle fields.
	result, err := c.ApplyEvent(5, InboundEvent{
		Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_link",
		EventType: "subscription.created", EntityKind: models.SyncEntitySubscription,
		PayloadJSON:    fmt.Sprintf(`{"external_id":"sub_linked","local_uuid":%q,"status":"canceled"}`, local.UUID),
		SignatureValid: true,
	})
	if err != nil || result.Outcome != OutcomeApplied {
		t.Fatalf("link: outcome=%v err=%v", result, err)
	}

	var linked models.Subscription
	if err := db.First(&linked, local.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if linked.ExternalID == nil || *linked.ExternalID != "sub_linked" || linked.PaymentSyncStatus != models.PaymentSyncStatusSynced {
		t.Fatalf("link metadata missing: %+v", linked)
	}
	if linked.Status != models.SubscriptionStatusActive {
		t.Fatalf("status = %q, the redemption path owns lifecycle", linked.Status)
	}
	if linked.NextRedemptionDate == nil {
		t.Fatal("next redemption date must survive processor events")
	}
	if linked.SyncVersion != 1 {
		t.Fatalf("sync version = %d, want 1", linked.SyncVersion)
	}

	// Later deliveries arrive by external id; the boundary still holds.
	result, err = c.ApplyEvent(5, InboundEvent{
		Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_link_2",
		EventType: "subscription.updated", EntityKind: models.SyncEntitySubscription,
		PayloadJSON:    `{"external_id":"sub_linked","status":"canceled"}`,
		SignatureValid: true,
	})
	if err != nil || result.Outcome != OutcomeApplied {
		t.Fatalf("update: outcome=%v err=%v", result, err)
	}
	if err := db.First(&linked, local.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if linked.Status != models.SubscriptionStatusActive {
		t.Fatalf("status = %q, want active despite the processor's canceled", linked.Status)
	}
	if linked.SyncVersion != 2 {
		t.Fatalf("sync version = %d, want 2", linked.SyncVersion)
	}
}

func TestProjectInvoiceAdvancesProcessorOwnedTotals(t *testing.T) {
	c, db := newTestCoordinator(t)
	seedCatalog(t, c)

	if _, err := c.ApplyEvent(5, InboundEvent{
		Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_sub",
		EventType: "subscription.created", EntityKind: models.SyncEntitySubscription,
		PayloadJSON:    `{"external_id":"sub_1","customer_external_id":"cus_abc","product_external_id":"prod_1","price_external_id":"price_1","status":"active"}`,
		SignatureValid: true,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	result, err := c.ApplyEvent(5, InboundEvent{
		Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_inv",
		EventType: "invoice.paid", EntityKind: models.SyncEntityInvoice,
		PayloadJSON:    `{"external_id":"inv_1","subscription_external_id":"sub_1","amount_in_cents":1999,"paid":true}`,
		SignatureValid: true,
	})
	if err != nil || result.Outcome != OutcomeApplied {
		t.Fatalf("invoice: outcome=%v err=%v", result, err)
	}

	var sub models.Subscription
	if err := db.Where("external_id = ?", "sub_1").First(&sub).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if sub.TotalRedemptions != 1 || sub.TotalAmountInCents != 1999 {
		t.Fatalf("totals: redemptions=%d amount=%d", sub.TotalRedemptions, sub.TotalAmountInCents)
	}
	var event models.SubscriptionEvent
	if err := db.Where("subscription_id = ? AND event_type = ?", sub.ID, models.EventTypeRenewed).
		First(&event).Error; err != nil {
		t.Fatalf("renewed event missing: %v", err)
	}
}

func TestRunSessionCountsAndResume(t *testing.T) {
	c, db := newTestCoordinator(t)

	batch := []InboundEvent{
		customerEvent("evt_1", "cus_a", "a@example.com"),
		customerEvent("evt_1", "cus_a", "a@example.com"), // duplicate delivery
		customerEvent("evt_2", "cus_b", "b@example.com"),
	}
	session, err := c.RunSession(5, "Stripe", models.SyncSessionTypeFull, batch)
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if session.Status != models.SyncSessionStatusCompleted {
		t.Fatalf("status = %q, want completed", session.Status)
	}
	if session.ProcessedCount != 2 || session.SkippedCount != 1 || session.FailedCount != 0 {
		t.Fatalf("counts: processed=%d skipped=%d failed=%d",
			session.ProcessedCount, session.SkippedCount, session.FailedCount)
	}
	if session.Provider != "stripe" {
		t.Fatalf("provider = %q, want normalized stripe", session.Provider)
	}

	// Replaying the whole batch after a crash only skips.
	resumed, err := c.ResumeSession(session.UUID, batch)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != models.SyncSessionStatusCompleted {
		t.Fatalf("resumed status = %q, want completed", resumed.Status)
	}
	if resumed.ProcessedCount != 2 || resumed.SkippedCount != 4 {
		t.Fatalf("resumed counts: processed=%d skipped=%d", resumed.ProcessedCount, resumed.SkippedCount)
	}

	var customerCount int64
	db.Model(&models.Customer{}).Count(&customerCount)
	if customerCount != 2 {
		t.Fatalf("customers = %d, want 2", customerCount)
	}
}

func TestRunSessionAllFailures(t *testing.T) {
	c, _ := newTestCoordinator(t)
	session, err := c.RunSession(5, "stripe", models.SyncSessionTypeIncremental, []InboundEvent{{
		Provider: "stripe", ProviderAccountID: "acct_100", WebhookEventID: "evt_bad",
		EventType: "mystery.created", EntityKind: "mystery", PayloadJSON: `{}`, SignatureValid: true,
	}})
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if session.Status != models.SyncSessionStatusFailed {
		t.Fatalf("status = %q, want failed", session.Status)
	}
	if session.FailedCount != 1 || session.ErrorSummary == "" {
		t.Fatalf("failure not summarized: %+v", session)
	}
}

func TestCreateSessionThenRunViaResume(t *testing.T) {
	c, _ := newTestCoordinator(t)
	session, err := c.CreateSession(5, "stripe", models.SyncSessionTypeFull)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Status != models.SyncSessionStatusPending || session.StartedAt != nil {
		t.Fatalf("pending session: %+v", session)
	}

	ran, err := c.ResumeSession(session.UUID, []InboundEvent{customerEvent("evt_1", "cus_a", "a@example.com")})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if ran.Status != models.SyncSessionStatusCompleted || ran.ProcessedCount != 1 {
		t.Fatalf("ran session: %+v", ran)
	}
	loaded, err := c.GetSession(session.UUID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.StartedAt == nil || loaded.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", loaded)
	}
}

func TestIdempotencyKey(t *testing.T) {
	withID := IdempotencyKey(1, "acct_1", "evt_1", `{"a":1}`)
	if withID != IdempotencyKey(1, "acct_1", "evt_1", `{"b":2}`) {
		t.Fatal("with an event id the payload must not influence the key")
	}
	if withID == IdempotencyKey(2, "acct_1", "evt_1", `{"a":1}`) {
		t.Fatal("workspace must scope the key")
	}

	// Without an event id the payload hash stands in.
	fallback := IdempotencyKey(1, "acct_1", "", `{"a":1}`)
	if fallback != IdempotencyKey(1, "acct_1", "", `{"a":1}`) {
		t.Fatal("identical bodies must collide")
	}
	if fallback == IdempotencyKey(1, "acct_1", "", `{"a":2}`) {
		t.Fatal("different bodies must not collide")
	}
}

func TestMapProcessorStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"active", models.SubscriptionStatusActive, false},
		{"trialing", models.SubscriptionStatusActive, false},
		{"past_due", models.SubscriptionStatusOverdue, false},
		{"unpaid", models.SubscriptionStatusOverdue, false},
		{"canceled", models.SubscriptionStatusCanceled, false},
		{"paused", models.SubscriptionStatusSuspended, false},
		{"expired", models.SubscriptionStatusExpired, false},
		{"completed", models.SubscriptionStatusCompleted, false},
		{"hibernating", "", true},
	}
	for _, tt := range tests {
		got, err := mapProcessorStatus(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownProcessorStatus) {
				t.Fatalf("%s: want unknown status error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("%s: got %q/%v, want %q", tt.in, got, err, tt.want)
		}
	}
}
