// Package sqlite provides a sqlite-backed datastore. It shares the GORM store
// implementation with the postgres plugin and is intended for local
// development and tests that cannot assume a running postgres.
package sqlite

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	sqlitedriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/centrorum/community-service/internal/config"
	"github.com/centrorum/community-service/internal/model"
	"github.com/centrorum/community-service/internal/plugin/store/postgres"
	registrycache "github.com/centrorum/community-service/internal/registry/cache"
	registrymigrate "github.com/centrorum/community-service/internal/registry/migrate"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.CommunityStore, error) {
			cfg := config.FromContext(ctx)
			db, err := Open(cfg.DBURL)
			if err != nil {
				return nil, err
			}
			return postgres.NewStore(db, cfg, registrycache.ProfileCacheFromContext(ctx)), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

// Open connects to a sqlite database. DSN examples: "file:community.db" or
// "file::memory:?cache=shared".
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlitedriver.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	// Serialized writes keep "database is locked" errors transient instead of
	// immediate failures under concurrent tests.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	return db, nil
}

// Migrate applies the model schema with GORM auto-migration.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.ConversationRequest{},
		&model.Conversation{},
		&model.Message{},
	)
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := Open(cfg.DBURL)
	if err != nil {
		return err
	}
	if err := Migrate(db); err != nil {
		return fmt.Errorf("migration: failed to auto-migrate: %w", err)
	}
	log.Info("Sqlite schema migration complete")
	return nil
}
