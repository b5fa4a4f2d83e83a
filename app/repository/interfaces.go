package repository

import (
	"github.com/chainbillhq/chainbill/app/models"
	"gorm.io/gorm"
)

// WorkspaceRepository defines the interface for workspace-related database operations
type WorkspaceRepository interface {
	Create(workspace *models.Workspace) error
	GetByID(id uint) (*models.Workspace, error)
	GetByUUID(uuid string) (*models.Workspace, error)
	Update(workspace *models.Workspace) error
	List(offset, limit int) ([]models.Workspace, error)
	Count() (int64, error)
}

// CustomerRepository defines the interface for customer-related database operations
type CustomerRepository interface {
	Create(customer *models.Customer) error
	GetByID(id uint) (*models.Customer, error)
	GetByUUID(uuid string) (*models.Customer, error)
	GetByWallet(workspaceID uint, walletAddress string) (*models.Customer, error)
	GetByExternalID(workspaceID uint, externalID, provider string) (*models.Customer, error)
	Update(customer *models.Customer) error
	Delete(id uint) error
	ListByWorkspace(workspaceID uint, offset, limit int) ([]models.Customer, error)
	CountByWorkspace(workspaceID uint) (int64, error)
}

// ProductRepository defines the interface for product, price and token
// pairing operations
type ProductRepository interface {
	Create(product *models.Product) error
	GetByID(id uint) (*models.Product, error)
	GetByUUID(uuid string) (*models.Product, error)
	Update(product *models.Product) error
	ListByWorkspace(workspaceID uint, offset, limit int) ([]models.Product, error)

	CreatePrice(price *models.Price) error
	GetPriceByID(id uint) (*models.Price, error)
	GetPriceByUUID(uuid string) (*models.Price, error)
	ListPrices(productID uint) ([]models.Price, error)

	CreateToken(token *models.ProductToken) error
	GetTokenByID(id uint) (*models.ProductToken, error)
	ListTokens(productID uint) ([]models.ProductToken, error)
}

// ProviderAccountRepository defines the interface for workspace provider
// account mappings used to route inbound webhooks
type ProviderAccountRepository interface {
	Create(account *models.WorkspaceProviderAccount) error
	GetByID(id uint) (*models.WorkspaceProviderAccount, error)
	FindActive(provider, providerAccountID, environment string) ([]models.WorkspaceProviderAccount, error)
	ListByWorkspace(workspaceID uint) ([]models.WorkspaceProviderAccount, error)
	Deactivate(id uint) error
}

// DunningConfigRepository defines the interface for per-workspace dunning
// configuration management
type DunningConfigRepository interface {
	Create(cfg *models.DunningConfiguration) error
	GetActive(workspaceID uint) (*models.DunningConfiguration, error)
	Update(cfg *models.DunningConfiguration) error
	ListByWorkspace(workspaceID uint) ([]models.DunningConfiguration, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Workspace       WorkspaceRepository
	Customer        CustomerRepository
	Product         ProductRepository
	ProviderAccount ProviderAccountRepository
	DunningConfig   DunningConfigRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Workspace:       NewWorkspaceRepository(db),
		Customer:        NewCustomerRepository(db),
		Product:         NewProductRepository(db),
		ProviderAccount: NewProviderAccountRepository(db),
		DunningConfig:   NewDunningConfigRepository(db),
	}
}
