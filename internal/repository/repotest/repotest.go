// Package repotest provides an in-memory SQLite database with the ledger schema
// for tests in other packages.
package repotest

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/internal/repository"
)

// NewDB creates an in-memory SQLite database with every ledger table.
// The pool is pinned to one connection so that all callers see the same
// in-memory database and concurrent transactions serialize.
func NewDB(t testing.TB) *repository.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc:        repository.NowUTC,
	})
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get database instance: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	// Enable foreign key constraints (SQLite default is off)
	db.Exec("PRAGMA foreign_keys = ON")

	wrapped := &repository.DB{DB: db}
	if err := wrapped.AutoMigrate(); err != nil {
		t.Fatalf("Failed to auto-migrate tables: %v", err)
	}
	return wrapped
}

// NewStore creates a store over a fresh in-memory database.
func NewStore(t testing.TB) *repository.Store {
	t.Helper()
	return repository.NewStore(NewDB(t))
}

// CreateAgent registers an agent with the given ELO.
func CreateAgent(t testing.TB, store *repository.Store, username string, elo int) *models.Agent {
	t.Helper()

	agent := &models.Agent{
		Username: username,
		Elo:      elo,
		Tier:     models.TierForElo(elo),
	}
	if err := store.Agents.Create(context.Background(), agent); err != nil {
		t.Fatalf("Failed to create test agent %s: %v", username, err)
	}
	return agent
}
