package connectors

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"beacon/internal/models"
	"beacon/internal/wire"
)

// RoomConnector authorizes room access against persisted membership.
type RoomConnector struct {
	db *gorm.DB
}

// NewRoomConnector returns a RoomConnector.
func NewRoomConnector(db *gorm.DB) *RoomConnector {
	return &RoomConnector{db: db}
}

// RoomAccess checks that userID may use roomID. Public rooms auto-join the
// caller up to MaxMembers; private rooms require existing membership.
func (c *RoomConnector) RoomAccess(ctx context.Context, userID, roomID uint) (*RoomAccessInfo, error) {
	var room models.Room
	if err := c.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		return nil, notFoundOr(err, "room")
	}

	var memberCount int64
	if err := c.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ?", roomID).Count(&memberCount).Error; err != nil {
		return nil, wire.WrapError(wire.KindTransient, "count room members", err)
	}

	var member models.RoomMember
	err := c.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&member).Error
	isMember := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wire.WrapError(wire.KindTransient, "load room membership", err)
	}

	if !isMember {
		if !room.IsPublic {
			return nil, wire.NewError(wire.KindForbidden, "not a member of this room")
		}
		if room.MaxMembers > 0 && memberCount >= int64(room.MaxMembers) {
			return nil, wire.NewError(wire.KindForbidden, "room is at capacity")
		}
		row := models.RoomMember{RoomID: roomID, UserID: userID}
		if err := c.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row).Error; err != nil {
			return nil, wire.WrapError(wire.KindTransient, "auto-join room", err)
		}
		memberCount++
		isMember = true
	}

	return &RoomAccessInfo{
		ID:          room.ID,
		Name:        room.Name,
		MemberCount: int(memberCount),
		IsMember:    isMember,
	}, nil
}
