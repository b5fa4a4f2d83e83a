package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chainbillhq/chainbill/app/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repository_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(&models.Workspace{}, &models.Customer{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func TestCreateMultipleLocalCustomersSameWorkspace(t *testing.T) {
	db := newTestDB(t)
	repo := NewCustomerRepository(db)

	for i := 0; i < 3; i++ {
		customer := &models.Customer{
			UUID:        uuid.NewString(),
			WorkspaceID: 1,
			Email:       fmt.Sprintf("user%d@example.com", i),
		}
		if err := repo.Create(customer); err != nil {
			t.Fatalf("local customer %d must not collide on the external identity key: %v", i, err)
		}
	}

	total, err := repo.CountByWorkspace(1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Fatalf("customers = %d, want 3", total)
	}
}

func TestDeleteFreesExternalIdentity(t *testing.T) {
	db := newTestDB(t)
	repo := NewCustomerRepository(db)

	synced := &models.Customer{
		UUID:            uuid.NewString(),
		WorkspaceID:     1,
		Email:           "synced@example.com",
		ExternalID:      strPtr("cus_123"),
		PaymentProvider: strPtr("stripe"),
	}
	if err := repo.Create(synced); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Delete(synced.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetByExternalID(1, "cus_123", "stripe"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("deleted customer still resolvable: %v", err)
	}

	// A later sync of the same processor identity must be able to project
	// a fresh row.
	replacement := &models.Customer{
		UUID:            uuid.NewString(),
		WorkspaceID:     1,
		Email:           "synced@example.com",
		ExternalID:      strPtr("cus_123"),
		PaymentProvider: strPtr("stripe"),
	}
	if err := repo.Create(replacement); err != nil {
		t.Fatalf("re-creating the processor identity after delete must succeed: %v", err)
	}
	got, err := repo.GetByExternalID(1, "cus_123", "stripe")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != replacement.ID {
		t.Fatalf("lookup returned id %d, want %d", got.ID, replacement.ID)
	}
}

func TestGetByExternalIDIgnoresLocalCustomers(t *testing.T) {
	db := newTestDB(t)
	repo := NewCustomerRepository(db)

	local := &models.Customer{UUID: uuid.NewString(), WorkspaceID: 1, Email: "local@example.com"}
	if err := repo.Create(local); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.GetByExternalID(1, "", ""); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("local customers must not match an external lookup: %v", err)
	}
}
