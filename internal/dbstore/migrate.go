package dbstore

import (
	"errors"
	"fmt"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies every pending migration in migrationsPath to the database
// at databaseURL, replacing the teacher's stub Store.Migrate() no-op.
// Grounded on ekaya-inc-ekaya-engine's go.mod dependency on the same
// library for the same purpose.
func Migrate(databaseURL, migrationsPath string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "open migration source")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperr.Wrap(apperr.Internal, err, "apply migrations")
	}
	return nil
}
