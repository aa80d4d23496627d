package models

import (
	"time"

	"gorm.io/gorm"
)

// Room is a logical chat channel with persisted membership.
type Room struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Name           string         `gorm:"not null" json:"name"`
	IsPublic       bool           `gorm:"default:false" json:"is_public"`
	MaxMembers     int            `gorm:"default:0" json:"max_members"` // 0 means unlimited
	LastActivityAt time.Time      `json:"last_activity_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	Members []RoomMember `gorm:"foreignKey:RoomID" json:"members,omitempty"`
}

// RoomMember joins users to rooms and carries per-member moderation state.
type RoomMember struct {
	RoomID     uint      `gorm:"primaryKey;autoIncrement:false" json:"room_id"`
	UserID     uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	IsMuted    bool      `gorm:"default:false" json:"is_muted"`
	JoinedAt   time.Time `gorm:"autoCreateTime" json:"joined_at"`
	LastReadAt time.Time `json:"last_read_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// TableName specifies the table name for GORM.
func (RoomMember) TableName() string {
	return "room_members"
}
