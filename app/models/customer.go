package models

import "time"

// Customer is a billable wallet owner inside a workspace. For
// processor-synced customers the external id/provider pair is filled by the
// payment sync coordinator; locally created customers keep both NULL so the
// unique key only binds processor-originated rows.
type Customer struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UUID            string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	WorkspaceID     uint       `gorm:"not null;index:ux_customers_workspace_external,priority:1" json:"workspace_id"`
	Email           string     `gorm:"type:varchar(200);default:''" json:"email"`
	WalletAddress   string     `gorm:"type:varchar(64);index" json:"wallet_address"`
	ExternalID      *string    `gorm:"type:varchar(191);index:ux_customers_workspace_external,unique,priority:2" json:"external_id,omitempty"`
	PaymentProvider *string    `gorm:"type:varchar(40);index:ux_customers_workspace_external,unique,priority:3" json:"payment_provider,omitempty"`
	PaymentSyncedAt *time.Time `gorm:"type:timestamp;default:null" json:"payment_synced_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       *time.Time `gorm:"type:timestamp;default:null;index" json:"deleted_at,omitempty"`
}
