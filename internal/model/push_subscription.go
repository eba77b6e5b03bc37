package model

import "time"

// PushSubscription holds the information for a browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Devices []SubscriptionDevice `gorm:"foreignKey:Endpoint;references:Endpoint;constraint:OnDelete:CASCADE"`
}

// SubscriptionDevice is a device a subscriber wants failure alerts for.
type SubscriptionDevice struct {
	Endpoint string `gorm:"primaryKey"`
	DeviceID string `gorm:"primaryKey"`
}

func (SubscriptionDevice) TableName() string {
	return "push_subscription_devices"
}
