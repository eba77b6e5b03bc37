package queue

import (
	"encoding/json"
	"time"

	"relay-queue-backend/internal/batch"
	"relay-queue-backend/internal/model"
)

// SubmitRequest is a manual or producer-built relay command.
type SubmitRequest struct {
	OriginDeviceID string     `json:"origin_device_id" validate:"required,max=128"`
	OriginAddress  string     `json:"origin_address" validate:"omitempty,mac"`
	TargetDeviceID string     `json:"target_device_id" validate:"max=128"`
	TargetAddress  string     `json:"target_address" validate:"omitempty,mac"`
	Targets        []int      `json:"targets" validate:"required,min=1,dive,min=0"`
	Actions        []string   `json:"actions" validate:"required,min=1,dive,oneof=on off"`
	Durations      []int      `json:"durations" validate:"omitempty,dive,min=0,max=86400"`
	Kind           string     `json:"kind" validate:"omitempty,oneof=manual rule peristaltic"`
	Priority       *int       `json:"priority" validate:"omitempty,min=0,max=100"`
	ExpiresAt      *time.Time `json:"expires_at"`
	OriginContext  string     `json:"origin_context" validate:"max=256"`
	RuleID         string     `json:"rule_id" validate:"max=128"`
	RuleName       string     `json:"rule_name" validate:"max=256"`
}

// RuleRequest asks for a rule script to be batched into commands.
type RuleRequest struct {
	OriginDeviceID string              `json:"origin_device_id" validate:"required,max=128"`
	OriginAddress  string              `json:"origin_address" validate:"omitempty,mac"`
	RuleID         string              `json:"rule_id" validate:"required,max=128"`
	RuleName       string              `json:"rule_name" validate:"max=256"`
	Priority       *int                `json:"priority" validate:"omitempty,min=0,max=100"`
	ExpiresAt      *time.Time          `json:"expires_at"`
	Instructions   []batch.Instruction `json:"instructions" validate:"required,min=1"`
}

// GroupFailure reports a batched group that could not be stored.
type GroupFailure struct {
	Partition      model.Partition `json:"partition"`
	TargetDeviceID string          `json:"target_device_id"`
	Error          string          `json:"error"`
}

// RuleResult is the outcome of one rule run.
type RuleResult struct {
	Commands []model.RelayCommand `json:"commands"`
	Rejected []batch.TupleError   `json:"rejected"`
	Failed   []GroupFailure       `json:"failed"`
}

// ClaimRequest is a poll from a hub.
type ClaimRequest struct {
	OriginDeviceID     string
	TargetDeviceID     string
	Limit              int
	LockTimeoutSeconds int
}

// CompleteRequest is a device's report for a claimed command.
type CompleteRequest struct {
	Status           string          `json:"status"`
	ErrorMessage     string          `json:"error_message"`
	ExecutionDetails json.RawMessage `json:"execution_details"`
	Attempt          int             `json:"attempt"`
}

// HistoryRequest filters the acknowledgement feed.
type HistoryRequest struct {
	CommandID       string
	OriginDeviceID  string
	TargetDeviceID  string
	Statuses        []model.Status
	IncludeInFlight bool
	Limit           int
	Offset          int
}

// AckRecord is the acknowledgement view of a command row.
type AckRecord struct {
	CommandID        string          `json:"command_id"`
	Partition        model.Partition `json:"partition"`
	OriginDeviceID   string          `json:"origin_device_id"`
	TargetDeviceID   string          `json:"target_device_id"`
	TargetAddress    string          `json:"target_address,omitempty"`
	Targets          []int           `json:"targets"`
	Actions          []string        `json:"actions"`
	Durations        []int           `json:"durations"`
	Kind             model.Kind      `json:"kind"`
	Status           model.Status    `json:"status"`
	Success          bool            `json:"success"`
	Completed        bool            `json:"completed"`
	Attempts         int             `json:"attempts"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ExecutionDetails json.RawMessage `json:"execution_details,omitempty"`
	RuleID           string          `json:"rule_id,omitempty"`
	RuleName         string          `json:"rule_name,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	FinalizedAt      *time.Time      `json:"finalized_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewAckRecord projects a command row onto the acknowledgement view.
func NewAckRecord(p model.Partition, c model.RelayCommand) AckRecord {
	rec := AckRecord{
		CommandID:      c.ID,
		Partition:      p,
		OriginDeviceID: c.OriginDeviceID,
		TargetDeviceID: c.TargetDeviceID,
		TargetAddress:  c.TargetAddress,
		Targets:        c.Targets,
		Actions:        c.Actions,
		Durations:      c.Durations,
		Kind:           c.Kind,
		Status:         c.Status,
		Success:        c.Status == model.StatusSynced,
		Completed:      c.Completed,
		Attempts:       c.AttemptCount,
		ErrorMessage:   c.ErrorMessage,
		RuleID:         c.RuleID,
		RuleName:       c.RuleName,
		CreatedAt:      c.CreatedAt,
		ClaimedAt:      c.ClaimedAt,
		FinalizedAt:    c.FinalizedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.ExecutionDetails != "" && json.Valid([]byte(c.ExecutionDetails)) {
		rec.ExecutionDetails = json.RawMessage(c.ExecutionDetails)
	}
	return rec
}
