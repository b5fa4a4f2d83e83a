package repository

import (
	"github.com/chainbillhq/chainbill/app/models"
	"gorm.io/gorm"
)

// providerAccountRepository implements the ProviderAccountRepository interface
type providerAccountRepository struct {
	db *gorm.DB
}

// NewProviderAccountRepository creates a new provider account repository instance
func NewProviderAccountRepository(db *gorm.DB) ProviderAccountRepository {
	return &providerAccountRepository{db: db}
}

// Create creates a new provider account mapping
func (r *providerAccountRepository) Create(account *models.WorkspaceProviderAccount) error {
	return r.db.Create(account).Error
}

// GetByID retrieves a provider account mapping by its ID
func (r *providerAccountRepository) GetByID(id uint) (*models.WorkspaceProviderAccount, error) {
	var account models.WorkspaceProviderAccount
	err := r.db.First(&account, id).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// FindActive returns all active mappings for a provider account id in an
// environment. The caller decides what more than one match means; routing
// treats it as an ambiguity error rather than picking one.
func (r *providerAccountRepository) FindActive(provider, providerAccountID, environment string) ([]models.WorkspaceProviderAccount, error) {
	var accounts []models.WorkspaceProviderAccount
	err := r.db.Where("provider = ? AND provider_account_id = ? AND environment = ? AND is_active = ?",
		provider, providerAccountID, environment, true).
		Find(&accounts).Error
	return accounts, err
}

// ListByWorkspace retrieves all provider account mappings of a workspace
func (r *providerAccountRepository) ListByWorkspace(workspaceID uint) ([]models.WorkspaceProviderAccount, error) {
	var accounts []models.WorkspaceProviderAccount
	err := r.db.Where("workspace_id = ?", workspaceID).Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

// Deactivate marks a provider account mapping inactive so routing stops
// matching it without losing history
func (r *providerAccountRepository) Deactivate(id uint) error {
	return r.db.Model(&models.WorkspaceProviderAccount{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}
