package model

import (
	"fmt"
	"strings"
	"time"
)

// Partition selects the command table a device class uses.
type Partition string

const (
	// PartitionMaster holds commands for relays wired to the hub itself.
	PartitionMaster Partition = "master"
	// PartitionSlave holds commands forwarded to remote ESP-NOW relay boxes.
	PartitionSlave Partition = "slave"
)

// Partitions lists every partition in a stable order.
var Partitions = []Partition{PartitionMaster, PartitionSlave}

// ParsePartition validates a partition name.
func ParsePartition(s string) (Partition, error) {
	switch p := Partition(strings.ToLower(strings.TrimSpace(s))); p {
	case PartitionMaster, PartitionSlave:
		return p, nil
	}
	return "", fmt.Errorf("unknown partition %q", s)
}

// Table returns the table name backing the partition.
func (p Partition) Table() string {
	return "relay_commands_" + string(p)
}

// MaxRelayIndex is the highest addressable relay index in the partition.
func (p Partition) MaxRelayIndex() int {
	if p == PartitionMaster {
		return 15
	}
	return 7
}

// Status is the lifecycle state of a command.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSynced     Status = "synced"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// Kind records why a command was issued.
type Kind string

const (
	KindManual      Kind = "manual"
	KindRule        Kind = "rule"
	KindPeristaltic Kind = "peristaltic"
)

const (
	ActionOn  = "on"
	ActionOff = "off"

	MaxDurationSeconds = 86400
	MaxPriority        = 100
)

// RelayCommand is one dispatch unit: a batch of relay operations for a single target device.
// Both partitions share this schema.
type RelayCommand struct {
	ID                 string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OriginDeviceID     string     `gorm:"not null" json:"origin_device_id"`
	OriginAddress      string     `json:"origin_address,omitempty"`
	TargetDeviceID     string     `gorm:"not null" json:"target_device_id"`
	TargetAddress      string     `json:"target_address,omitempty"`
	Targets            []int      `gorm:"serializer:json;type:text;not null" json:"targets"`
	Actions            []string   `gorm:"serializer:json;type:text;not null" json:"actions"`
	Durations          []int      `gorm:"serializer:json;type:text;not null" json:"durations"`
	Kind               Kind       `gorm:"not null" json:"kind"`
	Priority           int        `gorm:"not null" json:"priority"`
	Status             Status     `gorm:"not null" json:"status"`
	AttemptCount       int        `gorm:"not null" json:"attempt_count"`
	OriginContext      string     `json:"origin_context,omitempty"`
	RuleID             string     `json:"rule_id,omitempty"`
	RuleName           string     `json:"rule_name,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	LockExpiresAt      *time.Time `json:"lock_expires_at,omitempty"`
	LockTimeoutSeconds int        `json:"lock_timeout_seconds,omitempty"`
	FinalizedAt        *time.Time `json:"finalized_at,omitempty"`
	Completed          bool       `gorm:"not null" json:"completed"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	ExecutionDetails   string     `gorm:"type:text" json:"execution_details,omitempty"`
	CreatedAt          time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"not null" json:"updated_at"`
}

// Expired reports whether the command can no longer be claimed at now.
func (c *RelayCommand) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}
