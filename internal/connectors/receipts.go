package connectors

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"beacon/internal/models"
	"beacon/internal/wire"
)

// ReceiptConnector persists read receipts and answers receipt queries.
type ReceiptConnector struct {
	db *gorm.DB
}

// NewReceiptConnector returns a ReceiptConnector.
func NewReceiptConnector(db *gorm.DB) *ReceiptConnector {
	return &ReceiptConnector{db: db}
}

// MarkMessageAsRead records that userID read messageID. Repeats are
// idempotent: the first receipt row wins and AlreadyRead tells the caller
// to suppress duplicate broadcasts.
func (c *ReceiptConnector) MarkMessageAsRead(ctx context.Context, userID, roomID uint, messageID string) (*ReadResult, error) {
	var msg models.Message
	if err := c.db.WithContext(ctx).
		Select("id", "room_id", "sender_id").
		First(&msg, "id = ?", messageID).Error; err != nil {
		return nil, notFoundOr(err, "message")
	}
	if msg.RoomID != roomID {
		return nil, wire.NewError(wire.KindNotFound, "message is not in this room")
	}

	row := models.MessageRead{MessageID: messageID, UserID: userID, RoomID: roomID}
	res := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return nil, wire.WrapError(wire.KindTransient, "store read receipt", res.Error)
	}

	alreadyRead := res.RowsAffected == 0
	if alreadyRead {
		// Conflict path: surface the original read time.
		if err := c.db.WithContext(ctx).
			Where("message_id = ? AND user_id = ?", messageID, userID).
			First(&row).Error; err != nil {
			return nil, wire.WrapError(wire.KindTransient, "load read receipt", err)
		}
	}

	return &ReadResult{
		SenderID:    msg.SenderID,
		ReadAt:      row.ReadAt,
		AlreadyRead: alreadyRead,
	}, nil
}

// GetReadReceipts returns everyone who read messageID and has receipts
// enabled. A missing flag counts as enabled.
func (c *ReceiptConnector) GetReadReceipts(ctx context.Context, userID, roomID uint, messageID string) ([]wire.Reader, error) {
	var msg models.Message
	if err := c.db.WithContext(ctx).
		Select("id", "room_id").
		First(&msg, "id = ?", messageID).Error; err != nil {
		return nil, notFoundOr(err, "message")
	}
	if msg.RoomID != roomID {
		return nil, wire.NewError(wire.KindNotFound, "message is not in this room")
	}

	type readerRow struct {
		UserID   uint
		Username string
		ReadAt   time.Time
	}
	var rows []readerRow
	err := c.db.WithContext(ctx).Model(&models.MessageRead{}).
		Select("message_reads.user_id AS user_id, users.username AS username, message_reads.read_at AS read_at").
		Joins("JOIN users ON users.id = message_reads.user_id").
		Where("message_reads.message_id = ?", messageID).
		Where("users.read_receipts_enabled IS NULL OR users.read_receipts_enabled = ?", true).
		Order("message_reads.read_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, wire.WrapError(wire.KindTransient, "load read receipts", err)
	}

	readers := make([]wire.Reader, 0, len(rows))
	for _, r := range rows {
		readers = append(readers, wire.Reader{UserID: r.UserID, Username: r.Username, ReadAt: r.ReadAt.UnixMilli()})
	}
	return readers, nil
}

// ReadReceiptsEnabled reports whether userID shares read receipts.
func (c *ReceiptConnector) ReadReceiptsEnabled(ctx context.Context, userID uint) (bool, error) {
	var user models.User
	if err := c.db.WithContext(ctx).
		Select("id", "read_receipts_enabled").
		First(&user, userID).Error; err != nil {
		return false, notFoundOr(err, "user")
	}
	return user.ReceiptsEnabled(), nil
}
