package repository

import (
	"github.com/chainbillhq/chainbill/app/models"
	"gorm.io/gorm"
)

// productRepository implements the ProductRepository interface
type productRepository struct {
	db *gorm.DB
}

// NewProductRepository creates a new product repository instance
func NewProductRepository(db *gorm.DB) ProductRepository {
	return &productRepository{db: db}
}

// Create creates a new product in the database
func (r *productRepository) Create(product *models.Product) error {
	return r.db.Create(product).Error
}

// GetByID retrieves a product by its ID
func (r *productRepository) GetByID(id uint) (*models.Product, error) {
	var product models.Product
	err := r.db.First(&product, id).Error
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetByUUID retrieves a product by its public identifier
func (r *productRepository) GetByUUID(uuid string) (*models.Product, error) {
	var product models.Product
	err := r.db.Where("uuid = ?", uuid).First(&product).Error
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// Update updates an existing product in the database
func (r *productRepository) Update(product *models.Product) error {
	return r.db.Save(product).Error
}

// ListByWorkspace retrieves a paginated list of a workspace's products
func (r *productRepository) ListByWorkspace(workspaceID uint, offset, limit int) ([]models.Product, error) {
	var products []models.Product
	err := r.db.Where("workspace_id = ?", workspaceID).
		Offset(offset).Limit(limit).
		Order("created_at DESC").
		Find(&products).Error
	return products, err
}

// CreatePrice creates a new price for a product
func (r *productRepository) CreatePrice(price *models.Price) error {
	return r.db.Create(price).Error
}

// GetPriceByID retrieves a price by its ID
func (r *productRepository) GetPriceByID(id uint) (*models.Price, error) {
	var price models.Price
	err := r.db.First(&price, id).Error
	if err != nil {
		return nil, err
	}
	return &price, nil
}

// GetPriceByUUID retrieves a price by its public identifier
func (r *productRepository) GetPriceByUUID(uuid string) (*models.Price, error) {
	var price models.Price
	err := r.db.Where("uuid = ?", uuid).First(&price).Error
	if err != nil {
		return nil, err
	}
	return &price, nil
}

// ListPrices retrieves all prices of a product
func (r *productRepository) ListPrices(productID uint) ([]models.Price, error) {
	var prices []models.Price
	err := r.db.Where("product_id = ?", productID).Order("created_at ASC").Find(&prices).Error
	return prices, err
}

// CreateToken creates a new token pairing for a product
func (r *productRepository) CreateToken(token *models.ProductToken) error {
	return r.db.Create(token).Error
}

// GetTokenByID retrieves a product token pairing by its ID
func (r *productRepository) GetTokenByID(id uint) (*models.ProductToken, error) {
	var token models.ProductToken
	err := r.db.First(&token, id).Error
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// ListTokens retrieves all active token pairings of a product
func (r *productRepository) ListTokens(productID uint) ([]models.ProductToken, error) {
	var tokens []models.ProductToken
	err := r.db.Where("product_id = ? AND is_active = ?", productID, true).Find(&tokens).Error
	return tokens, err
}
