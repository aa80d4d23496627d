package models

import "time"

// RefreshToken is one member of a rotation family. Tokens are stored as
// SHA-256 hashes; the family id chains rotations so that replaying a
// consumed token revokes every descendant at once.
type RefreshToken struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    uint       `gorm:"not null;index" json:"user_id"`
	FamilyID  string     `gorm:"not null;index;type:uuid" json:"family_id"`
	TokenHash string     `gorm:"unique;not null" json:"-"`
	DeviceID  string     `json:"device_id"`
	ExpiresAt time.Time  `gorm:"not null" json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Usable reports whether the token can still be redeemed.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.UsedAt == nil && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
