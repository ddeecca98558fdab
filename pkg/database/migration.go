package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"
)

// MigrationLogger adapts ectologger to migrate.Logger.
type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(strings.TrimSuffix(format, "\n"), v...)
}

type MigrationConfig struct {
	MigrationFolderPath string
	Version             uint
	Force               int
	AutoRollback        bool // force the schema back to the previous version when a migration leaves it dirty
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

func (ms *MigrationService) resolveMigrationFolder() string {
	folder := ms.config.MigrationFolderPath
	if filepath.IsAbs(folder) {
		return folder
	}
	if _, err := os.Stat(folder); err == nil {
		abs, err := filepath.Abs(folder)
		if err == nil {
			return abs
		}
	}
	wd, _ := os.Getwd()
	return filepath.Join(wd, folder)
}

// Migrate applies the migration folder to db.
func (ms *MigrationService) Migrate(databaseName string, db *sqlx.DB) error {
	folder := ms.resolveMigrationFolder()
	if _, err := os.Stat(folder); err != nil {
		return pkgerrors.Wrap(err, fmt.Sprintf("migration folder %s does not exist", folder))
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migrate instance")
		return err
	}
	m.Log = MigrationLogger{Logger: ms.logger}

	return ms.run(m, folder)
}

func (ms *MigrationService) run(m *migrate.Migrate, folder string) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithError(err).Errorf("Failed to force database to version %d", ms.config.Force)
			return err
		}
	}

	previous, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		ms.logger.WithError(err).Error("Failed to get current migration version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}
	ms.logger.Infof("Database migrations finished in %v", time.Since(start))

	switch {
	case err == nil:
		ms.logger.Info("Successfully applied migrations")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		ms.logger.Info("No new migrations to apply")
		return nil
	case strings.Contains(err.Error(), "no migration found for version"):
		// the schema is ahead of this build, usually after a rollback deploy
		latest, lerr := latestVersion(folder)
		if lerr != nil {
			return lerr
		}
		ms.logger.Warnf("No migration found for version %d. Forcing to latest known version %d", previous, latest)
		return m.Force(latest)
	}

	ms.logger.WithError(err).Errorf("Migration failed: %v", err)

	version, dirty, verr := m.Version()
	if verr != nil || !dirty || !ms.config.AutoRollback {
		return err
	}

	target := int(previous)
	if target == 0 {
		target = int(version) - 1
	}
	ms.logger.Warnf("Database is dirty at version %d. Reverting to version %d", version, target)
	if ferr := m.Force(target); ferr != nil {
		ms.logger.WithError(ferr).Errorf("Failed to force database to version %d", target)
		return ferr
	}

	// still fail so the service does not start against a half-applied schema
	return err
}

var migrationFileRe = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

func latestVersion(folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationFileRe.FindStringSubmatch(entry.Name())
		if len(matches) < 2 {
			continue
		}
		v, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, v)
	}

	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files found in %s", folder)
	}
	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
