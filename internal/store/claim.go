package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"relay-queue-backend/internal/model"
)

// Claim locks up to f.Limit pending commands for the polling device. Every candidate is
// moved to processing with a guarded update; candidates taken by a concurrent claimant
// are dropped and counted in ClaimResult.Lost.
func (s *gormStore) Claim(ctx context.Context, p model.Partition, now time.Time, f ClaimFilter) (ClaimResult, error) {
	now = now.UTC()
	lockUntil := now.Add(f.LockTimeout)
	var result ClaimResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Table(p.Table()).
			Where("origin_device_id = ? AND status = ?", f.OriginDeviceID, model.StatusPending).
			Where("(expires_at IS NULL OR expires_at > ?)", now)
		if f.TargetDeviceID != "" {
			q = q.Where("target_device_id = ?", f.TargetDeviceID)
		}

		var candidates []string
		if err := lockRows(q).
			Order("priority DESC, created_at ASC, id ASC").
			Limit(f.Limit).
			Pluck("id", &candidates).Error; err != nil {
			return fmt.Errorf("failed to select %s candidates: %w", p, err)
		}
		if len(candidates) == 0 {
			return nil
		}

		won := make([]string, 0, len(candidates))
		for _, id := range candidates {
			res := tx.Table(p.Table()).
				Where("id = ? AND status = ?", id, model.StatusPending).
				Where("(expires_at IS NULL OR expires_at > ?)", now).
				Updates(map[string]any{
					"status":               model.StatusProcessing,
					"claimed_at":           now,
					"lock_expires_at":      lockUntil,
					"lock_timeout_seconds": int(f.LockTimeout / time.Second),
					"attempt_count":        gorm.Expr("attempt_count + ?", 1),
					"updated_at":           now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to claim %s command %s: %w", p, id, res.Error)
			}
			if res.RowsAffected == 0 {
				result.Lost++
				continue
			}
			won = append(won, id)
		}
		if len(won) == 0 {
			return nil
		}

		var rows []model.RelayCommand
		if err := tx.Table(p.Table()).Where("id IN ?", won).Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to reload claimed %s commands: %w", p, err)
		}
		byID := make(map[string]model.RelayCommand, len(rows))
		for _, r := range rows {
			byID[r.ID] = r
		}
		for _, id := range won {
			if r, ok := byID[id]; ok {
				result.Commands = append(result.Commands, r)
			}
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// Complete finalizes a processing command. A miss on the guarded update is reported as
// ErrNotFound or a *ConflictError carrying the current status.
func (s *gormStore) Complete(ctx context.Context, p model.Partition, id string, now time.Time, c Completion) (*model.RelayCommand, error) {
	now = now.UTC()
	updates := map[string]any{
		"status":          c.Status,
		"finalized_at":    now,
		"lock_expires_at": nil,
		"updated_at":      now,
	}
	switch c.Status {
	case model.StatusSynced:
		updates["completed"] = true
		updates["completed_at"] = now
	case model.StatusFailed:
		msg := c.ErrorMessage
		if msg == "" {
			msg = DefaultFailureMessage
		}
		updates["error_message"] = msg
	default:
		return nil, fmt.Errorf("invalid completion status %q", c.Status)
	}
	if c.ExecutionDetails != "" {
		updates["execution_details"] = c.ExecutionDetails
	}

	var out *model.RelayCommand
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Table(p.Table()).Where("id = ? AND status = ?", id, model.StatusProcessing)
		if c.Attempt > 0 {
			q = q.Where("attempt_count = ?", c.Attempt)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to complete %s command %s: %w", p, id, res.Error)
		}

		cmd, err := getCommand(tx, p, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return &ConflictError{ID: id, Current: cmd.Status, Want: model.StatusProcessing}
		}
		out = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReclaimStale returns processing commands whose lock has lapsed to pending, or fails
// them once attempt_count has reached maxAttempts.
func (s *gormStore) ReclaimStale(ctx context.Context, p model.Partition, now time.Time, maxAttempts int) (ReclaimResult, error) {
	now = now.UTC()
	var result ReclaimResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []model.RelayCommand
		q := tx.Table(p.Table()).
			Select("id", "attempt_count").
			Where("status = ? AND lock_expires_at < ?", model.StatusProcessing, now)
		if err := lockRows(q).Order("lock_expires_at ASC").Find(&stale).Error; err != nil {
			return fmt.Errorf("failed to find stale %s commands: %w", p, err)
		}

		for _, row := range stale {
			guarded := tx.Table(p.Table()).
				Where("id = ? AND status = ? AND lock_expires_at < ?", row.ID, model.StatusProcessing, now)

			if row.AttemptCount < maxAttempts {
				res := guarded.Updates(map[string]any{
					"status":               model.StatusPending,
					"claimed_at":           nil,
					"lock_expires_at":      nil,
					"lock_timeout_seconds": 0,
					"updated_at":           now,
				})
				if res.Error != nil {
					return fmt.Errorf("failed to requeue %s command %s: %w", p, row.ID, res.Error)
				}
				if res.RowsAffected > 0 {
					result.Requeued = append(result.Requeued, row.ID)
				}
				continue
			}

			res := guarded.Updates(map[string]any{
				"status":          model.StatusFailed,
				"error_message":   TimeoutMessage,
				"finalized_at":    now,
				"lock_expires_at": nil,
				"updated_at":      now,
			})
			if res.Error != nil {
				return fmt.Errorf("failed to expire %s command %s: %w", p, row.ID, res.Error)
			}
			if res.RowsAffected > 0 {
				result.Exhausted = append(result.Exhausted, row.ID)
			}
		}
		return nil
	})
	if err != nil {
		return ReclaimResult{}, err
	}
	return result, nil
}
