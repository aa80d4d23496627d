package gateway

import (
	"context"
	"strconv"
	"time"
	"unicode/utf8"

	"beacon/internal/bus"
	"beacon/internal/presence"
	"beacon/internal/ratelimit"
	"beacon/internal/session"
	"beacon/internal/wire"
)

const (
	maxMessageLength = 4000

	roomSnapshotWindow = 15 * time.Minute
	joinSnapshotLimit  = 100
)

func userKey(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

func roomKey(roomID uint) string {
	return strconv.FormatUint(uint64(roomID), 10)
}

func (g *Gateway) handleRoomJoin(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.RoomJoinRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	if req.RoomID == 0 {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "roomId is required")
	}

	info, err := g.bundle.Rooms.RoomAccess(ctx, s.UserID, req.RoomID)
	if err != nil {
		return wire.Frame{}, wire.AsError(err).WithCode(wire.CodeJoinFailed)
	}

	if err := g.rooms.AddUserToRoom(ctx, s.UserID, req.RoomID); err != nil {
		return wire.Frame{}, wire.AsError(err).WithCode(wire.CodeJoinFailed)
	}
	s.JoinRoom(req.RoomID)
	if err := g.presence.SetRoomStatus(ctx, s.UserID, req.RoomID, presence.StatusOnline); err != nil {
		g.wsLog.LogError(ctx, s.UserID, f.Type, err)
	}

	if err := g.rooms.PublishFrame(ctx, req.RoomID, wire.FrameUserJoined, wire.RoomActionPayload{
		UserID:   s.UserID,
		Username: s.Username,
		RoomID:   req.RoomID,
		Action:   "joined",
	}); err != nil {
		g.wsLog.LogError(ctx, s.UserID, f.Type, err)
	}

	members, err := g.presence.RoomPresence(ctx, req.RoomID, roomSnapshotWindow, joinSnapshotLimit)
	if err != nil {
		g.wsLog.LogError(ctx, s.UserID, f.Type, err)
		members = nil
	}
	online := make([]wire.RoomMemberInfo, 0, len(members))
	for _, m := range members {
		online = append(online, wire.RoomMemberInfo{
			UserID:     m.UserID,
			Status:     string(m.Status),
			LastSeenAt: m.LastSeenAt,
		})
	}

	return wire.MustFrame(wire.FrameRoomJoin, wire.RoomJoinAck{
		RoomID:      info.ID,
		RoomName:    info.Name,
		MemberCount: info.MemberCount,
		OnlineUsers: online,
	}), nil
}

func (g *Gateway) handleRoomLeave(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.RoomLeaveRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	if req.RoomID == 0 {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "roomId is required")
	}

	s.LeaveRoom(req.RoomID)
	if err := g.typing.Stop(ctx, s.UserID, req.RoomID, s.Username); err != nil {
		g.wsLog.LogError(ctx, s.UserID, f.Type, err)
	}
	if err := g.rooms.RemoveUserFromRoom(ctx, s.UserID, req.RoomID); err != nil {
		return wire.Frame{}, wire.AsError(err)
	}

	if err := g.rooms.PublishFrame(ctx, req.RoomID, wire.FrameUserLeft, wire.RoomActionPayload{
		UserID:   s.UserID,
		Username: s.Username,
		RoomID:   req.RoomID,
		Action:   "left",
	}); err != nil {
		g.wsLog.LogError(ctx, s.UserID, f.Type, err)
	}

	return wire.MustFrame(wire.FrameRoomLeave, wire.RoomLeaveAck{RoomID: req.RoomID, Success: true}), nil
}

func (g *Gateway) handleMessageSend(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.MessageSendRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	if req.RoomID == 0 {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "roomId is required")
	}
	// The limit is in characters, not bytes.
	if n := utf8.RuneCountInString(req.Content); n == 0 || n > maxMessageLength {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "content must be 1-4000 characters")
	}

	// Message sends fail closed: with the limiter down nobody sends.
	if err := g.limit(ctx, "message_send", userKey(s.UserID), 60, time.Minute, ratelimit.FailClosed); err != nil {
		return wire.Frame{}, err
	}
	if err := g.limit(ctx, "room_send", roomKey(req.RoomID), 1000, time.Minute, ratelimit.FailClosed); err != nil {
		return wire.Frame{}, err
	}

	if _, err := g.bundle.Rooms.RoomAccess(ctx, s.UserID, req.RoomID); err != nil {
		return wire.Frame{}, wire.AsError(err).WithCode(wire.CodeSendFailed)
	}

	saved, err := g.bundle.Messages.SendMessage(ctx, s.UserID, req.RoomID, req.Content, req.ReplyToID)
	if err != nil {
		return wire.Frame{}, wire.AsError(err)
	}

	payload := wire.MessagePayload{
		ID:         saved.ID,
		RoomID:     saved.RoomID,
		SenderID:   saved.SenderID,
		SenderName: saved.SenderName,
		Content:    saved.Content,
		ReplyToID:  saved.ReplyToID,
		CreatedAt:  saved.CreatedAt.UnixMilli(),
	}

	// Shadow-banned senders get their ack but the room never hears them.
	shadowBanned := false
	if val, verr := g.bundle.Users.ValidateUser(ctx, s.UserID); verr == nil {
		shadowBanned = val.ShadowBanned
	}
	if !shadowBanned {
		if perr := g.rooms.PublishFrame(ctx, req.RoomID, wire.FrameMessageNew, payload); perr != nil {
			g.wsLog.LogError(ctx, s.UserID, f.Type, perr)
		}
	}

	return wire.MustFrame(wire.FrameMessageSend, payload), nil
}

func (g *Gateway) handleTypingLegacy(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.TypingRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	if req.IsTyping {
		return g.typingStart(ctx, s, f, req.RoomID)
	}
	return g.typingStop(ctx, s, f, req.RoomID)
}

func (g *Gateway) handleTypingStart(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.TypingStartStopRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	return g.typingStart(ctx, s, f, req.RoomID)
}

func (g *Gateway) handleTypingStop(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.TypingStartStopRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	return g.typingStop(ctx, s, f, req.RoomID)
}

// typingStart is best effort: rate-limited or unauthorized starts are
// silently dropped, never error frames.
func (g *Gateway) typingStart(ctx context.Context, s *session.Session, f wire.Frame, roomID uint) (wire.Frame, *wire.Error) {
	if roomID == 0 {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "roomId is required")
	}
	// The local room set only contains rooms whose join passed the access
	// check, so there is no database re-check on this hot path. A
	// membership revoked mid-session stops mattering at the next
	// room:leave or disconnect.
	if !s.InRoom(roomID) {
		return wire.Frame{}, nil
	}
	if err := g.limit(ctx, "typing", userKey(s.UserID), 30, 10*time.Second, ratelimit.FailOpen); err != nil {
		return wire.Frame{}, nil
	}
	if err := g.typing.Start(ctx, s.UserID, roomID, s.Username); err != nil {
		g.wsLog.LogError(ctx, s.UserID, f.Type, err)
		return wire.Frame{}, nil
	}
	return g.typingAck(ctx, roomID)
}

func (g *Gateway) typingStop(ctx context.Context, s *session.Session, f wire.Frame, roomID uint) (wire.Frame, *wire.Error) {
	if roomID == 0 {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "roomId is required")
	}
	if !s.InRoom(roomID) {
		return wire.Frame{}, nil
	}
	if err := g.typing.Stop(ctx, s.UserID, roomID, s.Username); err != nil {
		g.wsLog.LogError(ctx, s.UserID, f.Type, err)
		return wire.Frame{}, nil
	}
	return g.typingAck(ctx, roomID)
}

func (g *Gateway) typingAck(ctx context.Context, roomID uint) (wire.Frame, *wire.Error) {
	users, err := g.typing.TypingUsers(ctx, roomID)
	if err != nil {
		users = []wire.TypingUser{}
	}
	return wire.MustFrame(wire.FrameTypingUpdate, wire.TypingAck{RoomID: roomID, TypingUsers: users}), nil
}

func (g *Gateway) handleHeartbeat(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	if err := g.limit(ctx, "heartbeat", userKey(s.UserID), 120, time.Minute, ratelimit.FailOpen); err != nil {
		return wire.Frame{}, err
	}
	s.TouchHeartbeat()
	if err := g.presence.Heartbeat(ctx, s.UserID); err != nil {
		return wire.Frame{}, wire.AsError(err)
	}
	return wire.MustFrame(wire.FrameHeartbeat, wire.HeartbeatAck{Timestamp: time.Now().UnixMilli()}), nil
}

func (g *Gateway) handlePresenceStatus(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.PresenceStatusRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	status := presence.Status(req.Status)
	if !status.Valid() {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "status must be one of ONLINE, IDLE, AWAY, BUSY")
	}
	if err := g.limit(ctx, "presence_status", userKey(s.UserID), 30, time.Minute, ratelimit.FailOpen); err != nil {
		return wire.Frame{}, err
	}
	if err := g.presence.SetOnline(ctx, s.UserID, status, s.DeviceID); err != nil {
		return wire.Frame{}, wire.AsError(err)
	}
	return wire.MustFrame(wire.FramePresenceStatus, wire.SuccessAck{Success: true}), nil
}

func (g *Gateway) handlePresenceRoom(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.PresenceRoomRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	if req.RoomID == 0 {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "roomId is required")
	}
	if err := g.limit(ctx, "presence_room", userKey(s.UserID), 60, time.Minute, ratelimit.FailOpen); err != nil {
		return wire.Frame{}, err
	}
	if _, err := g.bundle.Rooms.RoomAccess(ctx, s.UserID, req.RoomID); err != nil {
		return wire.Frame{}, wire.AsError(err)
	}

	members, err := g.presence.RoomPresence(ctx, req.RoomID, roomSnapshotWindow, 0)
	if err != nil {
		return wire.Frame{}, wire.AsError(err)
	}

	ack := wire.PresenceRoomAck{RoomID: req.RoomID, Members: make([]wire.RoomMemberInfo, 0, len(members))}
	for _, m := range members {
		ack.Members = append(ack.Members, wire.RoomMemberInfo{
			UserID:     m.UserID,
			Status:     string(m.Status),
			LastSeenAt: m.LastSeenAt,
		})
		switch m.Status {
		case presence.StatusOnline:
			ack.TotalOnline++
		case presence.StatusIdle:
			ack.TotalIdle++
		case presence.StatusAway:
			ack.TotalAway++
		case presence.StatusBusy:
			ack.TotalBusy++
		case presence.StatusOffline:
			ack.TotalOffline++
		}
	}
	return wire.MustFrame(wire.FramePresenceRoom, ack), nil
}

func (g *Gateway) handleMessageRead(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.MessageReadRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	if req.RoomID == 0 || req.MessageID == "" {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "roomId and messageId are required")
	}
	if err := g.limit(ctx, "message_read", userKey(s.UserID), 30, 10*time.Second, ratelimit.FailOpen); err != nil {
		return wire.Frame{}, err
	}

	enabled, err := g.bundle.Receipts.ReadReceiptsEnabled(ctx, s.UserID)
	if err != nil {
		return wire.Frame{}, wire.AsError(err).WithCode(wire.CodeMarkReadFailed)
	}
	if !enabled {
		// Opted out: succeed without storing or broadcasting anything.
		return wire.MustFrame(wire.FrameMessageRead, wire.SuccessAck{Success: true}), nil
	}

	res, err := g.bundle.Receipts.MarkMessageAsRead(ctx, s.UserID, req.RoomID, req.MessageID)
	if err != nil {
		return wire.Frame{}, wire.AsError(err).WithCode(wire.CodeMarkReadFailed)
	}

	if !res.AlreadyRead && res.SenderID != s.UserID {
		event := bus.ReceiptEvent{
			SenderID: res.SenderID,
			Broadcast: wire.MessageReadBroadcast{
				RoomID:    req.RoomID,
				MessageID: req.MessageID,
				UserID:    s.UserID,
				Username:  s.Username,
				ReadAt:    res.ReadAt.UnixMilli(),
			},
		}
		if perr := g.bus.PublishReceipt(ctx, event); perr != nil {
			g.wsLog.LogError(ctx, s.UserID, f.Type, perr)
		}
	}

	return wire.MustFrame(wire.FrameMessageRead, wire.SuccessAck{Success: true}), nil
}

func (g *Gateway) handleReadReceiptsGet(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.ReadReceiptsRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	if req.RoomID == 0 || req.MessageID == "" {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "roomId and messageId are required")
	}
	if err := g.limit(ctx, "read_receipts_get", userKey(s.UserID), 20, 10*time.Second, ratelimit.FailOpen); err != nil {
		return wire.Frame{}, err
	}

	readers, err := g.bundle.Receipts.GetReadReceipts(ctx, s.UserID, req.RoomID, req.MessageID)
	if err != nil {
		return wire.Frame{}, wire.AsError(err).WithCode(wire.CodeGetReadReceipts)
	}
	return wire.MustFrame(wire.FrameReadReceiptsGet, wire.ReadReceiptsAck{
		RoomID:    req.RoomID,
		MessageID: req.MessageID,
		Readers:   readers,
	}), nil
}

func (g *Gateway) handleAuthRefresh(ctx context.Context, s *session.Session, f wire.Frame) (wire.Frame, *wire.Error) {
	var req wire.AuthRefreshRequest
	if err := decode(f, &req); err != nil {
		return wire.Frame{}, err
	}
	if req.RefreshToken == "" {
		return wire.Frame{}, wire.NewError(wire.KindBadFrame, "refreshToken is required")
	}

	pair, err := g.bundle.Refresher.RefreshTokens(ctx, req.RefreshToken, s.DeviceID)
	if err != nil {
		return wire.Frame{}, wire.AsError(err).WithCode(wire.CodeTokenRefreshFailed)
	}

	ack := wire.AuthRefreshAck{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}
	// Only the originating socket learns the new tokens.
	s.SendFrame(wire.MustFrame(wire.FrameAuthRefreshed, ack))
	return wire.MustFrame(wire.FrameAuthRefresh, ack), nil
}
