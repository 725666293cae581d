package main

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/salespath/webhooklog/internal/pkg/env"
)

func main() {
	// Load environment variables from .env
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	driver := env.GetEnv("DB_DRIVER", "mysql")
	dbURL, err := databaseURL(driver)
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("Connecting to %s database: %s@%s:%s/%s",
		driver,
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", defaultPort(driver)),
		env.GetEnv("DB_NAME", ""),
	)

	m, err := migrate.New(
		"file://"+env.GetEnv("MIGRATIONS_DIR", "migrations")+"/"+driver,
		dbURL,
	)
	if err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}

	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Printf("Failed to close migration resources: %v, %v", sourceErr, dbErr)
		}
	}()

	switch command {
	case "up":
		// Apply all pending migrations
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Failed to apply migrations: %v", err)
		} else if errors.Is(err, migrate.ErrNoChange) {
			log.Println("No change: database is already up to date")
		} else {
			log.Println("Migrations applied")
		}

	case "down":
		// Roll back the last migration
		if err := m.Steps(-1); err != nil {
			log.Fatalf("Failed to roll back the last migration: %v", err)
		} else {
			log.Println("Last migration rolled back")
		}

	case "goto":
		if len(os.Args) < 3 {
			log.Fatalf("Please provide a version number")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			log.Fatalf("Invalid version number: %v", err)
		}

		if err := m.Migrate(uint(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Failed to migrate to version %d: %v", version, err)
		} else if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("No change: database is already at version %d", version)
		} else {
			log.Printf("Migrated to version %d", version)
		}

	case "status":
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				log.Println("No migrations have been applied yet")
			} else {
				log.Fatalf("Failed to read migration version: %v", err)
			}
		} else {
			dirtyStatus := ""
			if dirty {
				dirtyStatus = " (dirty)"
			}
			log.Printf("Current migration version: %d%s", version, dirtyStatus)
		}

	default:
		printUsage()
		os.Exit(1)
	}
}

func databaseURL(driver string) (string, error) {
	user := env.GetEnv("DB_USER", "")
	password := env.GetEnv("DB_PASSWORD", "")
	host := env.GetEnv("DB_HOST", "127.0.0.1")
	port := env.GetEnv("DB_PORT", defaultPort(driver))
	name := env.GetEnv("DB_NAME", "")

	switch driver {
	case "mysql":
		return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true", user, password, host, port, name), nil
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(user, password),
			Host:     host + ":" + port,
			Path:     name,
			RawQuery: "sslmode=" + env.GetEnv("DB_SSLMODE", "disable"),
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

func defaultPort(driver string) string {
	if driver == "postgres" {
		return "5432"
	}
	return "3306"
}

func printUsage() {
	fmt.Println("Usage: go run cmd/migrate/main.go [command]")
	fmt.Println("Commands:")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - show the current migration version")
}
