// Package testutil provides shared fixtures for backend tests: an
// in-memory sqlite database with the full schema and a miniredis-backed
// keyspace client.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"beacon/internal/database"
	"beacon/internal/keyspace"
	"beacon/internal/models"
)

// NewTestDB opens an isolated in-memory sqlite database with the schema
// applied.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewTestKeyspace starts a miniredis and returns a keyspace client bound
// to it. Both are torn down with the test.
func NewTestKeyspace(t *testing.T) (*keyspace.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return keyspace.NewFromRedis(rdb), mr
}

// SeedUser inserts an active user with a random-but-readable username.
func SeedUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{
		Username: gofakeit.Username(),
		Phone:    gofakeit.Phone(),
		IsActive: true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

// SeedRoom inserts a public room.
func SeedRoom(t *testing.T, db *gorm.DB, maxMembers int) *models.Room {
	t.Helper()
	room := &models.Room{
		Name:       gofakeit.Word() + "-lounge",
		IsPublic:   true,
		MaxMembers: maxMembers,
	}
	if err := db.Create(room).Error; err != nil {
		t.Fatalf("seed room: %v", err)
	}
	return room
}

// SeedMember adds userID to roomID.
func SeedMember(t *testing.T, db *gorm.DB, roomID, userID uint) {
	t.Helper()
	if err := db.Create(&models.RoomMember{RoomID: roomID, UserID: userID}).Error; err != nil {
		t.Fatalf("seed member: %v", err)
	}
}

// SeedMessage inserts a message from senderID in roomID.
func SeedMessage(t *testing.T, db *gorm.DB, id string, roomID, senderID uint, content string) *models.Message {
	t.Helper()
	msg := &models.Message{ID: id, RoomID: roomID, SenderID: senderID, Content: content}
	if err := db.Create(msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return msg
}
