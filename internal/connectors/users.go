package connectors

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"beacon/internal/models"
	"beacon/internal/wire"
)

// UserConnector validates accounts with a short-lived in-process cache so a
// chatty socket does not hit the user store on every frame. Deactivations
// propagate within the cache TTL.
type UserConnector struct {
	db       *gorm.DB
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[uint]cachedValidation
}

type cachedValidation struct {
	val       UserValidation
	expiresAt time.Time
}

// NewUserConnector returns a UserConnector with the given cache TTL.
func NewUserConnector(db *gorm.DB, cacheTTL time.Duration) *UserConnector {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &UserConnector{
		db:       db,
		cacheTTL: cacheTTL,
		cache:    make(map[uint]cachedValidation),
	}
}

// ValidateUser returns activation state for userID, serving from cache when
// the entry is fresh.
func (c *UserConnector) ValidateUser(ctx context.Context, userID uint) (*UserValidation, error) {
	c.mu.RLock()
	entry, ok := c.cache[userID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		val := entry.val
		return &val, nil
	}

	var user models.User
	if err := c.db.WithContext(ctx).
		Select("id", "username", "is_active", "shadow_banned").
		First(&user, userID).Error; err != nil {
		return nil, notFoundOr(err, "user")
	}

	val := UserValidation{
		IsActive:     user.IsActive,
		ShadowBanned: user.ShadowBanned,
		Username:     user.Username,
	}

	c.mu.Lock()
	c.cache[userID] = cachedValidation{val: val, expiresAt: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()

	return &val, nil
}

// Invalidate drops the cached entry for userID. Used by tests.
func (c *UserConnector) Invalidate(userID uint) {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}

// SetUserStatus mirrors a presence transition into the user store.
func (c *UserConnector) SetUserStatus(ctx context.Context, userID uint, status string) error {
	now := time.Now()
	err := c.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{"status": status, "last_seen_at": now}).Error
	if err != nil {
		return wire.WrapError(wire.KindTransient, "update user status", err)
	}
	return nil
}
