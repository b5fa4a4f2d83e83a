package models

import "time"

// DelegationRecord stores a signed spending authorization exactly as it was
// presented at signup. Rows are immutable after creation; a superseded
// delegation is soft-deleted, never updated in place.
type DelegationRecord struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UUID             string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	WorkspaceID      uint       `gorm:"not null;index" json:"workspace_id"`
	DelegateAddress  string     `gorm:"type:varchar(64);not null;index" json:"delegate_address"`
	DelegatorAddress string     `gorm:"type:varchar(64);not null;index" json:"delegator_address"`
	Authority        string     `gorm:"type:varchar(128);not null" json:"authority"`
	CaveatsJSON      string     `gorm:"type:longtext;not null" json:"caveats_json"`
	Salt             string     `gorm:"type:varchar(80);not null" json:"salt"`
	Signature        string     `gorm:"type:text;not null" json:"-"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt        *time.Time `gorm:"type:timestamp;default:null;index" json:"deleted_at,omitempty"`
}
