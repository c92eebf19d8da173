package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrateUp applies every pending migration under migrationsDir to the
// database at dsn.
func MigrateUp(dsn, migrationsDir string, logger *slog.Logger) error {
	m, err := migrate.New("file://"+migrationsDir, pgx5DSN(dsn))
	if err != nil {
		return fmt.Errorf("store: init migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("migrator close error", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	m.Log = &slogMigrateLogger{logger: logger}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("store: read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("store: database is dirty at version %d, needs manual repair", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("migrations already applied")
			return nil
		}
		return fmt.Errorf("store: migrate up: %w", err)
	}

	newVersion, _, _ := m.Version()
	logger.Info("migrations applied", "from_version", int(version), "to_version", int(newVersion))
	return nil
}

// pgx5DSN rewrites postgres:// or postgresql:// schemes to the pgx5://
// scheme golang-migrate's pgx/v5 driver expects.
func pgx5DSN(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

type slogMigrateLogger struct {
	logger *slog.Logger
}

func (l *slogMigrateLogger) Printf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *slogMigrateLogger) Verbose() bool { return false }
