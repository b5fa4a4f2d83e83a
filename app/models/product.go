package models

import "time"

// Billing interval constants shared by prices and sync payloads.
const (
	IntervalDay   = "day"
	IntervalWeek  = "week"
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// Product is a sellable item inside a workspace.
type Product struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UUID            string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	WorkspaceID     uint       `gorm:"not null;index:ux_products_workspace_external,priority:1" json:"workspace_id"`
	Name            string     `gorm:"type:varchar(200);not null" json:"name"`
	Description     string     `gorm:"type:text" json:"description"`
	IsActive        bool       `gorm:"default:true;index" json:"is_active"`
	ExternalID      *string    `gorm:"type:varchar(191);index:ux_products_workspace_external,unique,priority:2" json:"external_id,omitempty"`
	PaymentProvider *string    `gorm:"type:varchar(40);index:ux_products_workspace_external,unique,priority:3" json:"payment_provider,omitempty"`
	PaymentSyncedAt *time.Time `gorm:"type:timestamp;default:null" json:"payment_synced_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Price is a recurring charge definition for a product. TermLength is the
// fixed number of periods after which a subscription completes; zero means
// open-ended.
type Price struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	UUID                string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	ProductID           uint       `gorm:"not null;index" json:"product_id"`
	UnitAmountInPennies int64      `gorm:"not null" json:"unit_amount_in_pennies"`
	Currency            string     `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	IntervalType        string     `gorm:"type:varchar(16);not null;default:'month'" json:"interval_type"`
	IntervalCount       int        `gorm:"not null;default:1" json:"interval_count"`
	TermLength          int        `gorm:"not null;default:0" json:"term_length"`
	IsActive            bool       `gorm:"default:true;index" json:"is_active"`
	ExternalID          string     `gorm:"type:varchar(191);default:'';index" json:"external_id"`
	PaymentProvider     string     `gorm:"type:varchar(40);default:''" json:"payment_provider"`
	PaymentSyncedAt     *time.Time `gorm:"type:timestamp;default:null" json:"payment_synced_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductToken pins a product to the crypto asset and network it is billed
// in. TokenDecimals is needed to convert the per-period token amount into
// base units for on-chain transfers.
type ProductToken struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ProductID     uint      `gorm:"not null;index:ux_product_tokens_product_token,unique,priority:1" json:"product_id"`
	TokenSymbol   string    `gorm:"type:varchar(20);not null;index:ux_product_tokens_product_token,unique,priority:2" json:"token_symbol"`
	TokenAddress  string    `gorm:"type:varchar(64);not null" json:"token_address"`
	TokenDecimals int       `gorm:"not null;default:18" json:"token_decimals"`
	Network       string    `gorm:"type:varchar(40);not null;index:ux_product_tokens_product_token,unique,priority:3" json:"network"`
	RecipientAddr string    `gorm:"type:varchar(64);not null" json:"recipient_address"`
	IsActive      bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
