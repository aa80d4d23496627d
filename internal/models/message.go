package models

import (
	"time"

	"gorm.io/gorm"
)

// Message is a persisted chat message. IDs are UUIDs assigned by the
// persister so ordering comes from CreatedAt, not the key.
type Message struct {
	ID        string         `gorm:"primaryKey;type:uuid" json:"id"`
	RoomID    uint           `gorm:"not null;index" json:"room_id"`
	SenderID  uint           `gorm:"not null;index" json:"sender_id"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	ReplyToID *string        `gorm:"type:uuid" json:"reply_to_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Sender  *User    `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	ReplyTo *Message `gorm:"foreignKey:ReplyToID" json:"reply_to,omitempty"`
}

// MessageRead is one read receipt. The composite key makes repeated
// message:read frames idempotent at the storage layer.
type MessageRead struct {
	MessageID string    `gorm:"primaryKey;type:uuid" json:"message_id"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	RoomID    uint      `gorm:"not null;index" json:"room_id"`
	ReadAt    time.Time `gorm:"autoCreateTime" json:"read_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// TableName specifies the table name for GORM.
func (MessageRead) TableName() string {
	return "message_reads"
}
