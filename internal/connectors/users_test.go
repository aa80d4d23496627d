package connectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"beacon/internal/models"
	"beacon/internal/testutil"
	"beacon/internal/wire"
)

func TestValidateUser(t *testing.T) {
	db := testutil.NewTestDB(t)
	user := testutil.SeedUser(t, db)
	c := NewUserConnector(db, time.Minute)
	ctx := context.Background()

	val, err := c.ValidateUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, val.IsActive)
	assert.False(t, val.ShadowBanned)
	assert.Equal(t, user.Username, val.Username)
}

func TestValidateUserServesFromCache(t *testing.T) {
	db := testutil.NewTestDB(t)
	user := testutil.SeedUser(t, db)
	c := NewUserConnector(db, time.Minute)
	ctx := context.Background()

	_, err := c.ValidateUser(ctx, user.ID)
	require.NoError(t, err)

	// Deactivate behind the cache's back; the stale entry still serves.
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).
		Update("is_active", false).Error)

	val, err := c.ValidateUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, val.IsActive, "fresh cache entry should mask the write")

	c.Invalidate(user.ID)
	val, err = c.ValidateUser(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, val.IsActive)
}

func TestValidateUnknownUser(t *testing.T) {
	db := testutil.NewTestDB(t)
	c := NewUserConnector(db, time.Minute)

	_, err := c.ValidateUser(context.Background(), 999)
	require.Error(t, err)
	var werr *wire.Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, wire.KindNotFound, werr.Kind)
}

func TestSetUserStatus(t *testing.T) {
	db := testutil.NewTestDB(t)
	user := testutil.SeedUser(t, db)
	c := NewUserConnector(db, time.Minute)

	require.NoError(t, c.SetUserStatus(context.Background(), user.ID, "OFFLINE"))

	var got models.User
	require.NoError(t, db.First(&got, user.ID).Error)
	assert.Equal(t, "OFFLINE", got.Status)
	assert.NotNil(t, got.LastSeenAt)
}

func TestSetUserStatusIssuesSingleUpdate(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "users" SET "last_seen_at"=\$1,"status"=\$2,"updated_at"=\$3 WHERE id = \$4 AND "users"\."deleted_at" IS NULL`).
		WithArgs(sqlmock.AnyArg(), "AWAY", sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c := NewUserConnector(db, time.Minute)
	require.NoError(t, c.SetUserStatus(context.Background(), 7, "AWAY"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
