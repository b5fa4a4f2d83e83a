package repository

import (
	"github.com/chainbillhq/chainbill/app/models"
	"gorm.io/gorm"
)

// customerRepository implements the CustomerRepository interface
type customerRepository struct {
	db *gorm.DB
}

// NewCustomerRepository creates a new customer repository instance
func NewCustomerRepository(db *gorm.DB) CustomerRepository {
	return &customerRepository{db: db}
}

// Create creates a new customer in the database
func (r *customerRepository) Create(customer *models.Customer) error {
	return r.db.Create(customer).Error
}

// GetByID retrieves a customer by their ID
func (r *customerRepository) GetByID(id uint) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.Where("deleted_at IS NULL").First(&customer, id).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetByUUID retrieves a customer by their public identifier
func (r *customerRepository) GetByUUID(uuid string) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.Where("uuid = ? AND deleted_at IS NULL", uuid).First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetByWallet retrieves a customer by wallet address inside a workspace
func (r *customerRepository) GetByWallet(workspaceID uint, walletAddress string) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.Where("workspace_id = ? AND wallet_address = ? AND deleted_at IS NULL", workspaceID, walletAddress).
		First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetByExternalID retrieves a processor-synced customer by its external id
func (r *customerRepository) GetByExternalID(workspaceID uint, externalID, provider string) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.Where("workspace_id = ? AND external_id = ? AND payment_provider = ? AND deleted_at IS NULL",
		workspaceID, externalID, provider).First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// Update updates an existing customer in the database
func (r *customerRepository) Update(customer *models.Customer) error {
	return r.db.Save(customer).Error
}

// Delete soft deletes a customer by their ID. The external identity is
// cleared so a later sync of the same (external_id, provider) pair can
// project a fresh row without hitting the unique key.
func (r *customerRepository) Delete(id uint) error {
	return r.db.Model(&models.Customer{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"deleted_at":       gorm.Expr("CURRENT_TIMESTAMP"),
			"external_id":      nil,
			"payment_provider": nil,
		}).Error
}

// ListByWorkspace retrieves a paginated list of a workspace's customers
func (r *customerRepository) ListByWorkspace(workspaceID uint, offset, limit int) ([]models.Customer, error) {
	var customers []models.Customer
	err := r.db.Where("workspace_id = ? AND deleted_at IS NULL", workspaceID).
		Offset(offset).Limit(limit).
		Order("created_at DESC").
		Find(&customers).Error
	return customers, err
}

// CountByWorkspace returns the number of customers in a workspace
func (r *customerRepository) CountByWorkspace(workspaceID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Customer{}).
		Where("workspace_id = ? AND deleted_at IS NULL", workspaceID).
		Count(&count).Error
	return count, err
}
