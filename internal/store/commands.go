package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"relay-queue-backend/internal/model"
)

// Create inserts a new pending command into the partition table.
func (s *gormStore) Create(ctx context.Context, p model.Partition, cmd *model.RelayCommand) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if cmd.UpdatedAt.IsZero() {
		cmd.UpdatedAt = cmd.CreatedAt
	}
	if cmd.Status == "" {
		cmd.Status = model.StatusPending
	}

	if err := s.db.WithContext(ctx).Table(p.Table()).Create(cmd).Error; err != nil {
		return fmt.Errorf("failed to create %s command: %w", p, err)
	}
	return nil
}

// Get loads one command by id.
func (s *gormStore) Get(ctx context.Context, p model.Partition, id string) (*model.RelayCommand, error) {
	return getCommand(s.db.WithContext(ctx), p, id)
}

func getCommand(tx *gorm.DB, p model.Partition, id string) (*model.RelayCommand, error) {
	var cmd model.RelayCommand
	if err := tx.Table(p.Table()).Where("id = ?", id).Take(&cmd).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s command %s: %w", p, id, err)
	}
	return &cmd, nil
}

// ListTerminal returns finalized commands, newest update first. With IncludeInFlight
// it also returns rows that have been claimed at least once.
func (s *gormStore) ListTerminal(ctx context.Context, p model.Partition, f HistoryFilter) ([]model.RelayCommand, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []model.Status{model.StatusSynced, model.StatusFailed}
	}

	q := s.db.WithContext(ctx).Table(p.Table())
	if f.CommandID != "" {
		q = q.Where("id = ?", f.CommandID)
	}
	if f.OriginDeviceID != "" {
		q = q.Where("origin_device_id = ?", f.OriginDeviceID)
	}
	if f.TargetDeviceID != "" {
		q = q.Where("target_device_id = ?", f.TargetDeviceID)
	}
	if f.IncludeInFlight {
		q = q.Where("(status IN ? OR attempt_count > 0)", statuses)
	} else {
		q = q.Where("status IN ?", statuses)
	}

	var cmds []model.RelayCommand
	if err := q.Order("updated_at DESC, id ASC").Limit(limit).Offset(offset).Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s history: %w", p, err)
	}
	return cmds, nil
}

// Expire cancels a pending command by moving its expiry to now. Claimed or finalized
// commands cannot be cancelled.
func (s *gormStore) Expire(ctx context.Context, p model.Partition, id string, now time.Time) (*model.RelayCommand, error) {
	now = now.UTC()
	var out *model.RelayCommand
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Table(p.Table()).
			Where("id = ? AND status = ?", id, model.StatusPending).
			Updates(map[string]any{
				"expires_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to expire %s command %s: %w", p, id, res.Error)
		}

		cmd, err := getCommand(tx, p, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return &ConflictError{ID: id, Current: cmd.Status, Want: model.StatusPending}
		}
		out = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
