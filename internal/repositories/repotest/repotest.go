// Package repotest connects repository integration tests to a migrated PostgreSQL database.
package repotest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/database"
)

func Logger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DB returns a connection to the database named by the DB_* environment, migrated to the latest
// schema. The test is skipped in short mode or when DB_HOST is unset.
func DB(t *testing.T) database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("DB_HOST") == "" {
		t.Skip("Skipping integration test: DB_HOST is not set")
	}

	logger := Logger()
	cfg := database.Config{
		Host:     os.Getenv("DB_HOST"),
		Port:     env("DB_PORT", "5432"),
		User:     env("DB_USER_NAME", "user"),
		Password: env("DB_PASSWORD", "password"),
		Name:     env("DB_NAME", "fern"),
		SSLMode:  env("DB_SSL_MODE", "disable"),
	}

	db, err := database.Connect(context.Background(), cfg, logger)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { _ = db.Close() })

	migration := database.MigrationConfig{MigrationFolderPath: migrationFolder()}
	require.NoError(t, database.NewMigrationService(logger, &migration).Migrate(cfg.Name, db))

	return database.NewDatabaseInstance(db, logger)
}

func migrationFolder() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "db", "pg")
}

// CompanyNumber returns a unique company number so tests sharing a database do not collide.
func CompanyNumber() string {
	return "T" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:11])
}
