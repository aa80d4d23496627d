// Package connectors holds the outbound adapters the realtime core uses to
// reach the identity and chat persistence owned by other services. Every
// contract is an interface so the gateway can be tested without a database.
package connectors

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"beacon/internal/wire"
)

// Claims are the verified contents of an access token.
type Claims struct {
	UserID   uint
	Username string
	DeviceID string
}

// UserValidation is the subset of the user record the core cares about.
type UserValidation struct {
	IsActive     bool
	ShadowBanned bool
	Username     string
}

// TokenPair is a freshly rotated access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access token lifetime in seconds
}

// RoomAccessInfo describes a room the caller may enter.
type RoomAccessInfo struct {
	ID          uint
	Name        string
	MemberCount int
	IsMember    bool
}

// SavedMessage is a persisted message ready for broadcast.
type SavedMessage struct {
	ID         string
	RoomID     uint
	SenderID   uint
	SenderName string
	Content    string
	ReplyToID  string
	CreatedAt  time.Time
}

// ReadResult reports the outcome of marking a message as read.
type ReadResult struct {
	SenderID    uint
	ReadAt      time.Time
	AlreadyRead bool
}

// TokenVerifier checks access tokens.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*Claims, error)
}

// TokenRefresher rotates refresh tokens with family reuse detection.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken, deviceID string) (*TokenPair, error)
}

// UserValidator checks that an account is active. Reads are cached.
type UserValidator interface {
	ValidateUser(ctx context.Context, userID uint) (*UserValidation, error)
}

// UserStatusWriter mirrors presence transitions into the user store.
// Used by the background sweep to mark stranded users offline.
type UserStatusWriter interface {
	SetUserStatus(ctx context.Context, userID uint, status string) error
}

// RoomAuthorizer authorizes room access, auto-joining public rooms.
type RoomAuthorizer interface {
	RoomAccess(ctx context.Context, userID, roomID uint) (*RoomAccessInfo, error)
}

// MessagePersister stores outbound messages.
type MessagePersister interface {
	SendMessage(ctx context.Context, userID, roomID uint, content, replyToID string) (*SavedMessage, error)
}

// ReceiptStore persists and reads read receipts.
type ReceiptStore interface {
	MarkMessageAsRead(ctx context.Context, userID, roomID uint, messageID string) (*ReadResult, error)
	GetReadReceipts(ctx context.Context, userID, roomID uint, messageID string) ([]wire.Reader, error)
	ReadReceiptsEnabled(ctx context.Context, userID uint) (bool, error)
}

// Bundle groups every connector behind one constructor.
type Bundle struct {
	Tokens    TokenVerifier
	Refresher TokenRefresher
	Users     interface {
		UserValidator
		UserStatusWriter
	}
	Rooms    RoomAuthorizer
	Messages MessagePersister
	Receipts ReceiptStore
}

// Options tunes connector behavior.
type Options struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	UserCacheTTL    time.Duration
}

// NewBundle wires the gorm-backed connectors.
func NewBundle(db *gorm.DB, opts Options) *Bundle {
	tokens := NewTokenConnector(db, opts)
	return &Bundle{
		Tokens:    tokens,
		Refresher: tokens,
		Users:     NewUserConnector(db, opts.UserCacheTTL),
		Rooms:     NewRoomConnector(db),
		Messages:  NewMessageConnector(db),
		Receipts:  NewReceiptConnector(db),
	}
}

// notFoundOr maps gorm's record-not-found to a wire NotFound error.
func notFoundOr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wire.NewError(wire.KindNotFound, what+" not found")
	}
	return wire.WrapError(wire.KindTransient, "storage error", err)
}
