// Package testutil holds shared fixtures for package tests: an isolated
// in-memory SQLite database with the full schema and a miniredis instance.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/internal/pkg/database"
)

// NewDB opens a private in-memory database migrated with every model.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	// SQLite serializes writers anyway; one connection avoids "database is locked".
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return db
}

// NewRedis starts a miniredis server and returns a client bound to it.
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

// SeedBusiness inserts a business row.
func SeedBusiness(t *testing.T, db *gorm.DB, id, name, customerCode, email string) *models.Business {
	t.Helper()

	b := &models.Business{ID: id, Name: name, PaystackCustomerCode: customerCode, Email: email}
	if err := db.Create(b).Error; err != nil {
		t.Fatalf("failed to seed business: %v", err)
	}
	return b
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
