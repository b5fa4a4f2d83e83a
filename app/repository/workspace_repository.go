package repository

import (
	"github.com/chainbillhq/chainbill/app/models"
	"gorm.io/gorm"
)

// workspaceRepository implements the WorkspaceRepository interface
type workspaceRepository struct {
	db *gorm.DB
}

// NewWorkspaceRepository creates a new workspace repository instance
func NewWorkspaceRepository(db *gorm.DB) WorkspaceRepository {
	return &workspaceRepository{db: db}
}

// Create creates a new workspace in the database
func (r *workspaceRepository) Create(workspace *models.Workspace) error {
	return r.db.Create(workspace).Error
}

// GetByID retrieves a workspace by its ID
func (r *workspaceRepository) GetByID(id uint) (*models.Workspace, error) {
	var workspace models.Workspace
	err := r.db.First(&workspace, id).Error
	if err != nil {
		return nil, err
	}
	return &workspace, nil
}

// GetByUUID retrieves a workspace by its public identifier
func (r *workspaceRepository) GetByUUID(uuid string) (*models.Workspace, error) {
	var workspace models.Workspace
	err := r.db.Where("uuid = ?", uuid).First(&workspace).Error
	if err != nil {
		return nil, err
	}
	return &workspace, nil
}

// Update updates an existing workspace in the database
func (r *workspaceRepository) Update(workspace *models.Workspace) error {
	return r.db.Save(workspace).Error
}

// List retrieves a paginated list of workspaces
func (r *workspaceRepository) List(offset, limit int) ([]models.Workspace, error) {
	var workspaces []models.Workspace
	err := r.db.Offset(offset).Limit(limit).Order("created_at DESC").Find(&workspaces).Error
	return workspaces, err
}

// Count returns the total number of workspaces
func (r *workspaceRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Workspace{}).Count(&count).Error
	return count, err
}
