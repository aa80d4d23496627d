// Package models contains the persisted entities the realtime core reads
// and writes through the persistence connectors.
package models

import (
	"time"

	"gorm.io/gorm"
)

// User is the account record owned by the identity service. The realtime
// core only reads activation, shadow-ban, receipts and status fields.
type User struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	Username            string         `gorm:"unique;not null" json:"username"`
	Phone               string         `gorm:"unique" json:"-"`
	IsActive            bool           `gorm:"default:true" json:"is_active"`
	ShadowBanned        bool           `gorm:"default:false" json:"-"`
	ReadReceiptsEnabled *bool          `json:"read_receipts_enabled,omitempty"` // nil means enabled
	Status              string         `gorm:"default:'OFFLINE'" json:"status"`
	LastSeenAt          *time.Time     `json:"last_seen_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

// ReceiptsEnabled resolves the tri-state flag; missing means enabled.
func (u *User) ReceiptsEnabled() bool {
	return u.ReadReceiptsEnabled == nil || *u.ReadReceiptsEnabled
}
