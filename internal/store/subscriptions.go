package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relay-queue-backend/internal/model"
)

// ErrSubscriptionNotFound is returned when no subscription has the endpoint.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// PutSubscription creates or replaces a subscription and the devices it watches.
func (s *gormStore) PutSubscription(ctx context.Context, sub *model.PushSubscription, deviceIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Devices").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(sub).Error; err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}

		if err := tx.Where("endpoint = ?", sub.Endpoint).Delete(&model.SubscriptionDevice{}).Error; err != nil {
			return fmt.Errorf("failed to clear subscription devices: %w", err)
		}

		seen := make(map[string]struct{}, len(deviceIDs))
		devices := make([]model.SubscriptionDevice, 0, len(deviceIDs))
		for _, id := range deviceIDs {
			if _, dup := seen[id]; dup || id == "" {
				continue
			}
			seen[id] = struct{}{}
			devices = append(devices, model.SubscriptionDevice{Endpoint: sub.Endpoint, DeviceID: id})
		}
		if len(devices) > 0 {
			if err := tx.Create(&devices).Error; err != nil {
				return fmt.Errorf("failed to save subscription devices: %w", err)
			}
		}
		sub.Devices = devices
		return nil
	})
}

// GetSubscription loads a subscription with its devices.
func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).Preload("Devices").First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription and its device rows.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ?", endpoint).Delete(&model.SubscriptionDevice{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.PushSubscription{Endpoint: endpoint}).Error
	})
}

// SubscriptionsForDevices returns every subscription watching any of the devices.
func (s *gormStore) SubscriptionsForDevices(ctx context.Context, deviceIDs []string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if len(deviceIDs) == 0 {
		return subs, nil
	}
	db := s.db.WithContext(ctx)
	watching := db.Model(&model.SubscriptionDevice{}).Select("endpoint").Where("device_id IN ?", deviceIDs)
	err := db.Where("endpoint IN (?)", watching).Order("endpoint").Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions: %w", err)
	}
	return subs, nil
}
