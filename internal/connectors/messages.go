package connectors

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"beacon/internal/models"
	"beacon/internal/wire"
)

// MessageConnector persists outbound chat messages.
type MessageConnector struct {
	db *gorm.DB
}

// NewMessageConnector returns a MessageConnector.
func NewMessageConnector(db *gorm.DB) *MessageConnector {
	return &MessageConnector{db: db}
}

// SendMessage stores a message after enforcing sender membership and
// non-muted state. It bumps the room's lastActivityAt and advances the
// sender's lastReadAt, since senders have implicitly read their own message.
func (c *MessageConnector) SendMessage(ctx context.Context, userID, roomID uint, content, replyToID string) (*SavedMessage, error) {
	var saved *SavedMessage
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member models.RoomMember
		if err := tx.Where("room_id = ? AND user_id = ?", roomID, userID).
			First(&member).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return wire.NewError(wire.KindForbidden, "not a member of this room").
					WithCode(wire.CodeSendFailed)
			}
			return wire.WrapError(wire.KindTransient, "load room membership", err)
		}
		if member.IsMuted {
			return wire.NewError(wire.KindForbidden, "you are muted in this room").
				WithCode(wire.CodeSendFailed)
		}

		var replyTo *string
		if replyToID != "" {
			var original models.Message
			if err := tx.First(&original, "id = ?", replyToID).Error; err != nil {
				return notFoundOr(err, "replied-to message")
			}
			if original.RoomID != roomID {
				return wire.NewError(wire.KindNotFound, "replied-to message is not in this room")
			}
			replyTo = &replyToID
		}

		var sender models.User
		if err := tx.Select("id", "username").First(&sender, userID).Error; err != nil {
			return notFoundOr(err, "user")
		}

		msg := models.Message{
			ID:        uuid.NewString(),
			RoomID:    roomID,
			SenderID:  userID,
			Content:   content,
			ReplyToID: replyTo,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return wire.WrapError(wire.KindTransient, "store message", err)
		}

		now := time.Now()
		if err := tx.Model(&models.Room{}).Where("id = ?", roomID).
			Update("last_activity_at", now).Error; err != nil {
			return wire.WrapError(wire.KindTransient, "bump room activity", err)
		}
		if err := tx.Model(&models.RoomMember{}).
			Where("room_id = ? AND user_id = ?", roomID, userID).
			Update("last_read_at", now).Error; err != nil {
			return wire.WrapError(wire.KindTransient, "advance sender last read", err)
		}

		saved = &SavedMessage{
			ID:         msg.ID,
			RoomID:     roomID,
			SenderID:   userID,
			SenderName: sender.Username,
			Content:    content,
			ReplyToID:  replyToID,
			CreatedAt:  msg.CreatedAt,
		}
		return nil
	})
	if err != nil {
		if we, ok := err.(*wire.Error); ok {
			return nil, we
		}
		return nil, wire.WrapError(wire.KindTransient, "send message", err)
	}
	return saved, nil
}
