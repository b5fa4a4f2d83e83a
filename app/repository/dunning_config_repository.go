package repository

import (
	"github.com/chainbillhq/chainbill/app/models"
	"gorm.io/gorm"
)

// dunningConfigRepository implements the DunningConfigRepository interface
type dunningConfigRepository struct {
	db *gorm.DB
}

// NewDunningConfigRepository creates a new dunning config repository instance
func NewDunningConfigRepository(db *gorm.DB) DunningConfigRepository {
	return &dunningConfigRepository{db: db}
}

// Create creates a workspace's dunning configuration. The workspace id is
// unique, so a second create fails; policy changes go through Update.
func (r *dunningConfigRepository) Create(cfg *models.DunningConfiguration) error {
	return r.db.Create(cfg).Error
}

// GetActive retrieves the workspace's active dunning configuration
func (r *dunningConfigRepository) GetActive(workspaceID uint) (*models.DunningConfiguration, error) {
	var cfg models.DunningConfiguration
	err := r.db.Where("workspace_id = ? AND is_active = ?", workspaceID, true).First(&cfg).Error
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Update updates an existing dunning configuration
func (r *dunningConfigRepository) Update(cfg *models.DunningConfiguration) error {
	return r.db.Save(cfg).Error
}

// ListByWorkspace retrieves all dunning configurations of a workspace
func (r *dunningConfigRepository) ListByWorkspace(workspaceID uint) ([]models.DunningConfiguration, error) {
	var cfgs []models.DunningConfiguration
	err := r.db.Where("workspace_id = ?", workspaceID).Order("created_at DESC").Find(&cfgs).Error
	return cfgs, err
}
