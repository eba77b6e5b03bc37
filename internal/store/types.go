package store

import (
	"errors"
	"fmt"
	"time"

	"relay-queue-backend/internal/model"
)

var (
	// ErrNotFound is returned when no command has the requested id.
	ErrNotFound = errors.New("command not found")
	// ErrConflict is returned when a guarded transition finds the row in another state.
	ErrConflict = errors.New("command state conflict")
)

// ConflictError carries the state a guarded update actually found.
type ConflictError struct {
	ID      string
	Current model.Status
	Want    model.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("command %s is %s, expected %s", e.ID, e.Current, e.Want)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

const (
	// DefaultFailureMessage is stored when a device reports failure without a reason.
	DefaultFailureMessage = "device reported failure"
	// TimeoutMessage is stored when a command runs out of attempts.
	TimeoutMessage = "timeout, retries exhausted"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ClaimFilter selects which pending commands a poller may lock.
type ClaimFilter struct {
	OriginDeviceID string
	TargetDeviceID string // optional
	Limit          int
	LockTimeout    time.Duration
}

// ClaimResult holds the commands won by a claim and how many candidates were lost to a concurrent claimant.
type ClaimResult struct {
	Commands []model.RelayCommand
	Lost     int
}

// Completion is a device's report on a claimed command.
type Completion struct {
	Status           model.Status
	ErrorMessage     string
	ExecutionDetails string
	// Attempt, when non-zero, must match the attempt_count the claimant received.
	Attempt int
}

// HistoryFilter narrows the acknowledgement feed.
type HistoryFilter struct {
	CommandID       string
	OriginDeviceID  string
	TargetDeviceID  string
	Statuses        []model.Status
	IncludeInFlight bool
	Limit           int
	Offset          int
}

// ReclaimResult lists the ids a recovery sweep touched.
type ReclaimResult struct {
	Requeued  []string
	Exhausted []string
}
