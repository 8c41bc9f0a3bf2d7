// Package migration creates the schema on startup so a fresh database is
// usable without manual steps.
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	catalogdomain "github.com/smallbiznis/revrec/internal/catalog/domain"
	ledgerdomain "github.com/smallbiznis/revrec/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/revrec/internal/payment/domain"
	recdomain "github.com/smallbiznis/revrec/internal/recognition/domain"
	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
	refunddomain "github.com/smallbiznis/revrec/internal/refund/domain"
	usagedomain "github.com/smallbiznis/revrec/internal/usage/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded SQL migrations against postgres.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the schema straight from the models. Used for dialects
// without embedded migrations and for in-memory test databases.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&catalogdomain.CatalogItem{},
		&usagedomain.UsageRecord{},
		&recdomain.RevenueSchedule{},
		&ledgerdomain.LedgerEntry{},
		&paymentdomain.CapturedPayment{},
		&refunddomain.RefundEvent{},
		&recondomain.Run{},
	)
}
