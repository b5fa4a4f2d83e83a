package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chainbillhq/chainbill/app/models"
	"github.com/chainbillhq/chainbill/internal/pkg/delegation"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	err = db.AutoMigrate(
		&models.Workspace{},
		&models.Customer{},
		&models.Product{},
		&models.Price{},
		&models.ProductToken{},
		&models.DelegationRecord{},
		&models.Subscription{},
		&models.SubscriptionEvent{},
		&models.FailedSubscriptionAttempt{},
		&models.DunningConfiguration{},
		&models.DunningCampaign{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeRedeemer stands in for the chain gateway. The zero value succeeds
// with a distinct hash per call.
type fakeRedeemer struct {
	submit func(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	calls  int
}

func (f *fakeRedeemer) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	f.calls++
	if f.submit != nil {
		return f.submit(ctx, req)
	}
	return &SubmitResult{TxHash: fmt.Sprintf("0xhash%04d", f.calls)}, nil
}

type pairing struct {
	product models.Product
	price   models.Price
	token   models.ProductToken
}

func seedPairing(t *testing.T, db *gorm.DB, termLength int) pairing {
	t.Helper()
	product := models.Product{UUID: uuid.NewString(), WorkspaceID: 1, Name: "Pro Plan", IsActive: true}
	if err := db.Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	price := models.Price{
		UUID:                uuid.NewString(),
		ProductID:           product.ID,
		UnitAmountInPennies: 999,
		Currency:            "usd",
		IntervalType:        models.IntervalMonth,
		IntervalCount:       1,
		TermLength:          termLength,
		IsActive:            true,
	}
	if err := db.Create(&price).Error; err != nil {
		t.Fatalf("seed price: %v", err)
	}
	token := models.ProductToken{
		ProductID:     product.ID,
		TokenSymbol:   "USDC",
		TokenAddress:  "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		TokenDecimals: 6,
		Network:       "base",
		RecipientAddr: "0x3333333333333333333333333333333333333333",
		IsActive:      true,
	}
	if err := db.Create(&token).Error; err != nil {
		t.Fatalf("seed token: %v", err)
	}
	return pairing{product: product, price: price, token: token}
}

func createInput(p pairing) CreateInput {
	return CreateInput{
		WorkspaceID:    1,
		CustomerID:     1,
		ProductID:      p.product.ID,
		PriceID:        p.price.ID,
		ProductTokenID: p.token.ID,
		TokenAmount:    10_000_000,
		Delegation: delegation.SignedDelegation{
			DelegateAddress:  "0x1111111111111111111111111111111111111111",
			DelegatorAddress: "0x2222222222222222222222222222222222222222",
			Authority:        "root",
			Caveats: []delegation.Caveat{
				{Kind: delegation.CaveatKindMaxAmount, MaxAmount: 50_000_000},
			},
			Salt:      "f00d",
			Signature: "0xsigned",
		},
	}
}

func eventTypes(t *testing.T, db *gorm.DB, subID uint) []string {
	t.Helper()
	var events []models.SubscriptionEvent
	if err := db.Where("subscription_id = ?", subID).Order("occurred_at ASC, id ASC").Find(&events).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

func TestCreateSubscriptionFirstRedemption(t *testing.T) {
	db := newTestDB(t)
	redeemer := &fakeRedeemer{}
	l := NewLedger(db, redeemer)
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("status = %q, want active", sub.Status)
	}
	if sub.TotalRedemptions != 1 || sub.TotalAmountInCents != 999 {
		t.Fatalf("counters wrong: redemptions=%d amount=%d", sub.TotalRedemptions, sub.TotalAmountInCents)
	}
	if sub.DelegationID == nil {
		t.Fatal("delegation record not linked")
	}
	if sub.NextRedemptionDate == nil || !sub.NextRedemptionDate.After(time.Now()) {
		t.Fatalf("next redemption not scheduled: %v", sub.NextRedemptionDate)
	}
	if sub.ClaimToken != "" || sub.ClaimedUntil != nil {
		t.Fatal("claim marker must be released after the redemption")
	}
	if redeemer.calls != 1 {
		t.Fatalf("redeemer calls = %d, want 1", redeemer.calls)
	}

	got := eventTypes(t, db, sub.ID)
	want := []string{models.EventTypeCreated, models.EventTypeRedeemed}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestCreateSubscriptionFailedFirstRedemptionGoesOverdue(t *testing.T) {
	db := newTestDB(t)
	redeemer := &fakeRedeemer{submit: func(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
		return nil, errors.New("rpc node unavailable")
	}}
	l := NewLedger(db, redeemer)
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("the subscription must survive a failed first redemption, got: %v", err)
	}
	if sub.Status != models.SubscriptionStatusOverdue {
		t.Fatalf("status = %q, want overdue", sub.Status)
	}
	if sub.TotalRedemptions != 0 {
		t.Fatalf("failed redemption must not advance counters, got %d", sub.TotalRedemptions)
	}
	got := eventTypes(t, db, sub.ID)
	if len(got) != 2 || got[1] != models.EventTypeFailedRedemption {
		t.Fatalf("events = %v, want created + failed_redemption", got)
	}
}

func TestCreateSubscriptionInvalidPairing(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 0)

	in := createInput(p)
	in.PriceID = p.price.ID + 100
	_, err := l.CreateSubscription(context.Background(), in)
	if !errors.Is(err, ErrInvalidProductPairing) {
		t.Fatalf("expected pairing error, got: %v", err)
	}

	var attempts []models.FailedSubscriptionAttempt
	if err := db.Find(&attempts).Error; err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].FailureReason != models.EventTypeFailedValidation {
		t.Fatalf("failed attempt telemetry missing or wrong: %+v", attempts)
	}
}

func TestCreateSubscriptionRejectsUnknownCaveat(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 0)

	in := createInput(p)
	in.Delegation.Caveats = append(in.Delegation.Caveats, delegation.Caveat{Kind: "gas_sponsor"})
	_, err := l.CreateSubscription(context.Background(), in)
	if !errors.Is(err, delegation.ErrUnknownCaveatKind) {
		t.Fatalf("expected unknown caveat rejection, got: %v", err)
	}
	var count int64
	db.Model(&models.Subscription{}).Count(&count)
	if count != 0 {
		t.Fatal("no subscription row may exist after a rejected delegation")
	}
}

func TestCreateSubscriptionCaveatBlocksAmount(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 0)

	in := createInput(p)
	in.TokenAmount = 60_000_000 // over the 50_000_000 max_amount caveat
	_, err := l.CreateSubscription(context.Background(), in)
	if !errors.Is(err, delegation.ErrCaveatViolation) {
		t.Fatalf("expected caveat violation, got: %v", err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now()
	token, err := l.claim(sub.ID, now)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if token == "" {
		t.Fatal("claim token empty")
	}
	if _, err := l.claim(sub.ID, now); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second claim must lose, got: %v", err)
	}

	// A claim past its expiry can be taken over.
	future := now.Add(l.claimTTL + time.Minute)
	if _, err := l.claim(sub.ID, future); err != nil {
		t.Fatalf("expired claim must be reclaimable, got: %v", err)
	}
}

func TestRedeemRejectsStaleClaimToken(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.claim(sub.ID, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := l.Redeem(context.Background(), sub.ID, "not-the-claim-token"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("stale token must be rejected, got: %v", err)
	}
}

func TestRedeemTermCompletion(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 2)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.Status != models.SubscriptionStatusActive || sub.TotalRedemptions != 1 {
		t.Fatalf("after first redemption: status=%q redemptions=%d", sub.Status, sub.TotalRedemptions)
	}

	result, err := l.Redeem(context.Background(), sub.ID, "")
	if err != nil {
		t.Fatalf("second redemption: %v", err)
	}
	if result.Outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %q, want succeeded", result.Outcome)
	}
	sub = result.Subscription
	if sub.Status != models.SubscriptionStatusCompleted {
		t.Fatalf("status = %q, want completed", sub.Status)
	}
	if sub.NextRedemptionDate != nil {
		t.Fatal("completed subscription must leave the schedule")
	}
	if sub.TotalRedemptions != 2 || sub.TotalAmountInCents != 1998 {
		t.Fatalf("counters wrong: redemptions=%d amount=%d", sub.TotalRedemptions, sub.TotalAmountInCents)
	}

	got := eventTypes(t, db, sub.ID)
	want := []string{models.EventTypeCreated, models.EventTypeRedeemed, models.EventTypeRenewed, models.EventTypeCompleted}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	// Redeeming a completed subscription is an idempotent no-op.
	result, err = l.Redeem(context.Background(), sub.ID, "")
	if err != nil || result.Outcome != OutcomeSkipped {
		t.Fatalf("redeem after completion: outcome=%v err=%v", result, err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.Cancel(sub.ID, "customer request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := l.Cancel(sub.ID, "second call"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	reloaded, err := l.reload(sub.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("status = %q, want canceled", reloaded.Status)
	}
	if reloaded.CanceledAt == nil || reloaded.CancelReason != "customer request" {
		t.Fatalf("first cancel must win: at=%v reason=%q", reloaded.CanceledAt, reloaded.CancelReason)
	}
	if reloaded.NextRedemptionDate != nil {
		t.Fatal("canceled subscription must leave the schedule")
	}

	var count int64
	db.Model(&models.SubscriptionEvent{}).
		Where("subscription_id = ? AND event_type = ?", sub.ID, models.EventTypeCanceled).
		Count(&count)
	if count != 1 {
		t.Fatalf("canceled event count = %d, want 1", count)
	}

	result, err := l.Redeem(context.Background(), sub.ID, "")
	if err != nil || result.Outcome != OutcomeSkipped {
		t.Fatalf("redeem after cancel: outcome=%v err=%v", result, err)
	}
}

func TestRedeemFailureThenRecovery(t *testing.T) {
	db := newTestDB(t)
	fail := true
	redeemer := &fakeRedeemer{submit: func(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
		if fail {
			return nil, errors.New("insufficient gas")
		}
		return &SubmitResult{TxHash: "0xrecovered"}, nil
	}}
	l := NewLedger(db, redeemer)
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.Status != models.SubscriptionStatusOverdue {
		t.Fatalf("status = %q, want overdue", sub.Status)
	}

	fail = false
	result, err := l.Redeem(context.Background(), sub.ID, "")
	if err != nil {
		t.Fatalf("recovery redemption: %v", err)
	}
	if result.Outcome != OutcomeSucceeded || result.TxHash != "0xrecovered" {
		t.Fatalf("recovery result: %+v", result)
	}
	if result.Subscription.Status != models.SubscriptionStatusActive {
		t.Fatalf("status = %q, want active after recovery", result.Subscription.Status)
	}
	if result.Subscription.TotalRedemptions != 1 {
		t.Fatalf("redemptions = %d, want 1", result.Subscription.TotalRedemptions)
	}
}

func TestRedeemRevertRecordsTransactionFailure(t *testing.T) {
	db := newTestDB(t)
	redeemer := &fakeRedeemer{submit: func(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
		return nil, &RevertError{TxHash: "0xreverted", Reason: "allowance exceeded"}
	}}
	l := NewLedger(db, redeemer)
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var event models.SubscriptionEvent
	err = db.Where("subscription_id = ? AND event_type = ?", sub.ID, models.EventTypeFailedTransaction).
		First(&event).Error
	if err != nil {
		t.Fatalf("failed_transaction event missing: %v", err)
	}
	if event.TransactionHash != "0xreverted" {
		t.Fatalf("event hash = %q, want 0xreverted", event.TransactionHash)
	}
}

func TestOnConfirmedRevertFlipsToOverdue(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("precondition: status = %q", sub.Status)
	}

	// A plain confirmation needs no action.
	if err := l.OnConfirmed("0xhash0001", ConfirmationConfirmed); err != nil {
		t.Fatalf("confirmed callback: %v", err)
	}

	if err := l.OnConfirmed("0xhash0001", ConfirmationReverted); err != nil {
		t.Fatalf("reverted callback: %v", err)
	}
	reloaded, err := l.reload(sub.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.SubscriptionStatusOverdue {
		t.Fatalf("status = %q, want overdue after revert", reloaded.Status)
	}

	var count int64
	db.Model(&models.SubscriptionEvent{}).
		Where("subscription_id = ? AND event_type = ? AND transaction_hash = ?",
			sub.ID, models.EventTypeFailedTransaction, "0xhash0001").
		Count(&count)
	if count != 1 {
		t.Fatalf("revert event count = %d, want 1", count)
	}
}

func TestOnConfirmedUnknownHash(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	if err := l.OnConfirmed("0xno-such-tx", ConfirmationReverted); err == nil {
		t.Fatal("unknown hash must be an error")
	}
}

func TestScheduleDue(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Not yet due: the next redemption is a month out.
	due, err := l.ScheduleDue(time.Now(), 10)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("nothing should be due yet, got %d", len(due))
	}

	past := time.Now().Add(-time.Hour)
	if err := db.Model(&models.Subscription{}).Where("id = ?", sub.ID).
		Update("next_redemption_date", &past).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	due, err = l.ScheduleDue(time.Now(), 10)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(due) != 1 || due[0].ID != sub.ID {
		t.Fatalf("due = %+v, want the backdated subscription", due)
	}
	if due[0].ClaimToken == "" {
		t.Fatal("scheduled subscription must carry its claim token")
	}

	// Claimed: a second sweep must not see it again.
	due, err = l.ScheduleDue(time.Now(), 10)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("claimed subscription leaked into a second sweep: %+v", due)
	}
}

func TestScheduleDueSkipsProcessorOwned(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})

	past := time.Now().Add(-time.Hour)
	extID := "sub_ext_1"
	provider := "stripe"
	sub := models.Subscription{
		UUID:               uuid.NewString(),
		WorkspaceID:        1,
		CustomerID:         1,
		ProductID:          1,
		PriceID:            1,
		Status:             models.SubscriptionStatusActive,
		NextRedemptionDate: &past,
		ExternalID:         &extID,
		PaymentProvider:    &provider,
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	due, err := l.ScheduleDue(time.Now(), 10)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(due) != 0 {
		t.Fatal("processor-owned subscriptions must never be scheduled")
	}
}

func TestScheduleDueSkipsOpenDunningCampaigns(t *testing.T) {
	db := newTestDB(t)
	l := NewLedger(db, &fakeRedeemer{})
	p := seedPairing(t, db, 0)

	sub, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := db.Model(&models.Subscription{}).Where("id = ?", sub.ID).
		Update("next_redemption_date", &past).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
	campaign := models.DunningCampaign{
		UUID:            uuid.NewString(),
		SubscriptionID:  sub.ID,
		ConfigurationID: 1,
		Status:          models.DunningCampaignRetrying,
		OverdueSince:    past,
	}
	if err := db.Create(&campaign).Error; err != nil {
		t.Fatalf("seed campaign: %v", err)
	}

	due, err := l.ScheduleDue(time.Now(), 10)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(due) != 0 {
		t.Fatal("subscriptions with an open campaign retry on the campaign's schedule, not the sweep's")
	}
}

func TestCreateSubscriptionSecondLocalInSameWorkspace(t *testing.T) {
	db := newTestDB(t)
	redeemer := &fakeRedeemer{}
	l := NewLedger(db, redeemer)
	p := seedPairing(t, db, 0)

	first, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := l.CreateSubscription(context.Background(), createInput(p))
	if err != nil {
		t.Fatalf("second local subscription in the same workspace must not collide: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected two distinct subscriptions")
	}
	if first.ExternalID != nil || second.ExternalID != nil {
		t.Fatal("locally originated subscriptions must keep external_id NULL")
	}

	var attempts int64
	if err := db.Model(&models.FailedSubscriptionAttempt{}).Count(&attempts).Error; err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	if attempts != 0 {
		t.Fatalf("no failed attempt should be recorded, got %d", attempts)
	}
}
