package models

import "time"

// Environment scopes provider accounts and sync sessions. A workspace can
// have live and test provider accounts side by side; routing must never mix
// them up.
const (
	EnvironmentLive    = "live"
	EnvironmentTest    = "test"
	EnvironmentSandbox = "sandbox"
)

// Workspace is the tenant boundary. Provisioning happens outside this core;
// we only read workspaces to scope billing entities.
type Workspace struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UUID      string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	Name      string    `gorm:"type:varchar(200);not null" json:"name"`
	IsActive  bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// WorkspaceProviderAccount maps an external processor account identifier to
// a workspace, scoped by environment. Inbound webhooks carry only the
// processor account id; this table is how they are routed to a tenant.
type WorkspaceProviderAccount struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID       uint      `gorm:"not null;index" json:"workspace_id"`
	Provider          string    `gorm:"type:varchar(40);not null;index:ux_wpa_provider_account_env,unique,priority:1" json:"provider"`
	ProviderAccountID string    `gorm:"type:varchar(191);not null;index:ux_wpa_provider_account_env,unique,priority:2" json:"provider_account_id"`
	Environment       string    `gorm:"type:varchar(16);not null;default:'live';index:ux_wpa_provider_account_env,unique,priority:3" json:"environment"`
	IsActive          bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
