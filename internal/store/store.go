package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relay-queue-backend/internal/model"
)

// CommandStore persists relay commands. Status only changes through the guarded
// Claim, Complete and ReclaimStale operations.
type CommandStore interface {
	Create(ctx context.Context, p model.Partition, cmd *model.RelayCommand) error
	Get(ctx context.Context, p model.Partition, id string) (*model.RelayCommand, error)
	ListTerminal(ctx context.Context, p model.Partition, f HistoryFilter) ([]model.RelayCommand, error)
	Claim(ctx context.Context, p model.Partition, now time.Time, f ClaimFilter) (ClaimResult, error)
	Complete(ctx context.Context, p model.Partition, id string, now time.Time, c Completion) (*model.RelayCommand, error)
	Expire(ctx context.Context, p model.Partition, id string, now time.Time) (*model.RelayCommand, error)
	ReclaimStale(ctx context.Context, p model.Partition, now time.Time, maxAttempts int) (ReclaimResult, error)
}

// SubscriptionStore manages push subscriptions for failure alerts.
type SubscriptionStore interface {
	PutSubscription(ctx context.Context, sub *model.PushSubscription, deviceIDs []string) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	SubscriptionsForDevices(ctx context.Context, deviceIDs []string) ([]model.PushSubscription, error)
}

// Store defines the interface for all database operations.
type Store interface {
	CommandStore
	SubscriptionStore
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// lockRows adds FOR UPDATE SKIP LOCKED on PostgreSQL. SQLite serialises writers on its own.
func lockRows(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}
