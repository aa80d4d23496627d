package connectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"beacon/internal/models"
	"beacon/internal/wire"
)

// TokenConnector verifies access tokens and rotates refresh token families.
type TokenConnector struct {
	db              *gorm.DB
	secret          []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

// NewTokenConnector returns a TokenConnector using HMAC signing.
func NewTokenConnector(db *gorm.DB, opts Options) *TokenConnector {
	accessTTL := opts.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	refreshTTL := opts.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &TokenConnector{
		db:              db,
		secret:          []byte(opts.JWTSecret),
		accessTokenTTL:  accessTTL,
		refreshTokenTTL: refreshTTL,
	}
}

// VerifyAccessToken parses and validates an HMAC-signed access token.
func (c *TokenConnector) VerifyAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, wire.NewError(wire.KindUnauthorized, "invalid signing method")
		}
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, wire.WrapError(wire.KindUnauthorized, "invalid or expired token", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, wire.NewError(wire.KindUnauthorized, "invalid token claims")
	}

	// User ID lives in "sub" (subject claim per RFC 7519).
	subStr, ok := claims["sub"].(string)
	if !ok {
		return nil, wire.NewError(wire.KindUnauthorized, "invalid token structure - missing subject")
	}
	userID, err := strconv.ParseUint(subStr, 10, 32)
	if err != nil {
		return nil, wire.NewError(wire.KindUnauthorized, "invalid user ID in token")
	}

	username, _ := claims["username"].(string)
	deviceID, _ := claims["device_id"].(string)

	return &Claims{UserID: uint(userID), Username: username, DeviceID: deviceID}, nil
}

// IssueAccessToken signs a new access token for the given claims.
func (c *TokenConnector) IssueAccessToken(userID uint, username, deviceID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       strconv.FormatUint(uint64(userID), 10),
		"username":  username,
		"device_id": deviceID,
		"iat":       now.Unix(),
		"exp":       now.Add(c.accessTokenTTL).Unix(),
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", wire.WrapError(wire.KindTransient, "sign access token", err)
	}
	return signed, nil
}

// IssueRefreshToken creates a fresh refresh token in a new family.
// Used by the out-of-scope login flow and by tests.
func (c *TokenConnector) IssueRefreshToken(ctx context.Context, userID uint, deviceID string) (string, error) {
	raw := uuid.NewString() + uuid.NewString()
	row := models.RefreshToken{
		UserID:    userID,
		FamilyID:  uuid.NewString(),
		TokenHash: hashToken(raw),
		DeviceID:  deviceID,
		ExpiresAt: time.Now().Add(c.refreshTokenTTL),
	}
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", wire.WrapError(wire.KindTransient, "store refresh token", err)
	}
	return raw, nil
}

// RefreshTokens redeems a refresh token for a new pair. Redeeming an
// already-used or revoked member of a family revokes the whole family.
func (c *TokenConnector) RefreshTokens(ctx context.Context, refreshToken, deviceID string) (*TokenPair, error) {
	hash := hashToken(refreshToken)
	now := time.Now()

	var pair *TokenPair
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.RefreshToken
		if err := tx.Where("token_hash = ?", hash).First(&row).Error; err != nil {
			return notFoundOr(err, "refresh token")
		}

		if row.UsedAt != nil || row.RevokedAt != nil {
			// Replay of a consumed token: revoke the entire family.
			if err := tx.Model(&models.RefreshToken{}).
				Where("family_id = ? AND revoked_at IS NULL", row.FamilyID).
				Update("revoked_at", now).Error; err != nil {
				return wire.WrapError(wire.KindTransient, "revoke token family", err)
			}
			return wire.NewError(wire.KindUnauthorized, "refresh token reuse detected").
				WithCode(wire.CodeTokenRefreshFailed)
		}
		if now.After(row.ExpiresAt) {
			return wire.NewError(wire.KindUnauthorized, "refresh token expired").
				WithCode(wire.CodeTokenRefreshFailed)
		}

		if err := tx.Model(&row).Update("used_at", now).Error; err != nil {
			return wire.WrapError(wire.KindTransient, "consume refresh token", err)
		}

		var user models.User
		if err := tx.First(&user, row.UserID).Error; err != nil {
			return notFoundOr(err, "user")
		}

		newRaw := uuid.NewString() + uuid.NewString()
		next := models.RefreshToken{
			UserID:    row.UserID,
			FamilyID:  row.FamilyID,
			TokenHash: hashToken(newRaw),
			DeviceID:  deviceID,
			ExpiresAt: now.Add(c.refreshTokenTTL),
		}
		if err := tx.Create(&next).Error; err != nil {
			return wire.WrapError(wire.KindTransient, "store rotated refresh token", err)
		}

		access, err := c.IssueAccessToken(user.ID, user.Username, deviceID)
		if err != nil {
			return err
		}

		pair = &TokenPair{
			AccessToken:  access,
			RefreshToken: newRaw,
			ExpiresIn:    int64(c.accessTokenTTL.Seconds()),
		}
		return nil
	})
	if err != nil {
		if we, ok := err.(*wire.Error); ok {
			if we.Kind == wire.KindNotFound {
				// An unknown token is indistinguishable from a forged one.
				return nil, wire.NewError(wire.KindUnauthorized, "invalid refresh token").
					WithCode(wire.CodeTokenRefreshFailed)
			}
			return nil, we
		}
		return nil, wire.WrapError(wire.KindTransient, "refresh tokens", err)
	}
	return pair, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
