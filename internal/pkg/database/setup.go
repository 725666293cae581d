package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the process-wide connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// SetupDatabase connects to the configured database, retrying while it comes up.
// Schema changes are owned by cmd/migrate; DB_AUTO_MIGRATE=true is for local dev.
func SetupDatabase() {
	dialector, err := dialectorFromEnv()
	if err != nil {
		panic(err)
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(dialector, &gorm.Config{
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			if env.GetEnv("DB_AUTO_MIGRATE", "false") == "true" {
				if merr := AutoMigrate(DB); merr != nil {
					panic(merr)
				}
			}
			return
		}

		log.Warnf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

// Ping reports whether the database answers, for health checks.
func Ping(ctx context.Context) error {
	if DB == nil {
		return errors.New("database not initialized")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// AutoMigrate creates or updates every table the subsystem owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.WebhookLog{},
		&models.ProcessedEffect{},
		&models.Business{},
	)
}

func dialectorFromEnv() (gorm.Dialector, error) {
	switch driver := env.GetEnv("DB_DRIVER", "mysql"); driver {
	case "mysql":
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_PORT", "3306"),
			env.GetEnv("DB_NAME", ""),
		)
		return mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			SkipInitializeWithVersion: false,
		}), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_NAME", ""),
			env.GetEnv("DB_PORT", "5432"),
			env.GetEnv("DB_SSLMODE", "disable"),
		)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}
