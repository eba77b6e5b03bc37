package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay-queue-backend/config"
	"relay-queue-backend/internal/batch"
	"relay-queue-backend/internal/metrics"
	"relay-queue-backend/internal/model"
	"relay-queue-backend/internal/parse"
	"relay-queue-backend/internal/store"
)

const maxLockTimeoutSeconds = 3600

// Notifier is told about commands that ended in failed.
type Notifier interface {
	CommandFailed(p model.Partition, id string)
}

// Service implements enqueue, claim, completion, cancellation, history and recovery
// on top of a CommandStore.
type Service struct {
	store    store.CommandStore
	cfg      config.QueueConfig
	log      *zap.Logger
	notifier Notifier
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier registers a receiver for failed commands.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// NewService creates a queue service.
func NewService(st store.CommandStore, cfg config.QueueConfig, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store: st,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// Submit validates a request and stores it as one pending command.
func (s *Service) Submit(ctx context.Context, p model.Partition, req SubmitRequest) (*model.RelayCommand, error) {
	cmd, err := s.buildCommand(p, req)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p, cmd); err != nil {
		return nil, err
	}

	metrics.IncSubmitted(string(p), string(cmd.Kind))
	s.log.Info("command enqueued",
		zap.String("partition", string(p)),
		zap.String("id", cmd.ID),
		zap.String("origin", cmd.OriginDeviceID),
		zap.String("target", cmd.TargetDeviceID),
		zap.Ints("targets", cmd.Targets),
		zap.Int("priority", cmd.Priority))
	return cmd, nil
}

func (s *Service) buildCommand(p model.Partition, req SubmitRequest) (*model.RelayCommand, error) {
	req.OriginDeviceID = strings.TrimSpace(req.OriginDeviceID)
	req.TargetDeviceID = strings.TrimSpace(req.TargetDeviceID)
	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	actions := make([]string, len(req.Actions))
	for i, a := range req.Actions {
		actions[i] = strings.ToLower(strings.TrimSpace(a))
	}
	if req.Actions != nil {
		req.Actions = actions
	}

	verr := &ValidationError{}
	if err := checkStruct(req, verr); err != nil {
		return nil, err
	}

	if len(req.Actions) > 0 && len(req.Actions) != len(req.Targets) && !verr.has("actions") {
		verr.add("actions", "actions must have the same length as targets (%d), got %d", len(req.Targets), len(req.Actions))
	}
	if len(req.Durations) > 0 && len(req.Durations) != len(req.Targets) {
		verr.add("durations", "durations must have the same length as targets (%d), got %d", len(req.Targets), len(req.Durations))
	}
	maxIdx := p.MaxRelayIndex()
	seen := make(map[int]bool, len(req.Targets))
	for i, idx := range req.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		if idx > maxIdx {
			verr.add(field, "%s must be between 0 and %d for %s relays, got %d", field, maxIdx, p, idx)
		}
		if seen[idx] {
			verr.add(field, "%s repeats relay %d", field, idx)
		}
		seen[idx] = true
	}

	var targetAddr, originAddr string
	if req.TargetAddress != "" && !verr.has("target_address") {
		if mac, err := parse.NormalizeMAC(req.TargetAddress); err != nil {
			verr.add("target_address", "target_address must be a 6-byte MAC address")
		} else {
			targetAddr = mac
		}
	}
	if req.OriginAddress != "" && !verr.has("origin_address") {
		if mac, err := parse.NormalizeMAC(req.OriginAddress); err != nil {
			verr.add("origin_address", "origin_address must be a 6-byte MAC address")
		} else {
			originAddr = mac
		}
	}

	targetID := req.TargetDeviceID
	if p == model.PartitionMaster && targetID == "" {
		targetID = req.OriginDeviceID
		if targetAddr == "" {
			targetAddr = originAddr
		}
	}
	if p == model.PartitionSlave && targetID == "" {
		if targetAddr != "" {
			targetID, _ = parse.SlaveDeviceID(targetAddr)
		} else {
			verr.add("target_device_id", "target_device_id or target_address is required for slave relays")
		}
	}

	if err := verr.orNil(); err != nil {
		return nil, err
	}

	durations := req.Durations
	if len(durations) == 0 {
		durations = make([]int, len(req.Targets))
	}
	kind := model.Kind(req.Kind)
	if kind == "" {
		kind = model.KindManual
	}
	priority := s.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	originContext := req.OriginContext
	if originContext == "" {
		originContext = string(kind)
	}
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		e := req.ExpiresAt.UTC()
		expiresAt = &e
	}

	now := s.clock()
	return &model.RelayCommand{
		ID:             uuid.NewString(),
		OriginDeviceID: req.OriginDeviceID,
		OriginAddress:  originAddr,
		TargetDeviceID: targetID,
		TargetAddress:  targetAddr,
		Targets:        req.Targets,
		Actions:        req.Actions,
		Durations:      durations,
		Kind:           kind,
		Priority:       priority,
		Status:         model.StatusPending,
		OriginContext:  originContext,
		RuleID:         req.RuleID,
		RuleName:       req.RuleName,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ExecuteRule batches a rule script into one command per target device. Invalid relay
// actions and groups that fail to store are reported without stopping the others.
func (s *Service) ExecuteRule(ctx context.Context, req RuleRequest) (*RuleResult, error) {
	verr := &ValidationError{}
	if err := checkStruct(req, verr); err != nil {
		return nil, err
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	plan := batch.Build(batch.Origin{DeviceID: req.OriginDeviceID, Address: req.OriginAddress}, req.Instructions)
	result := &RuleResult{
		Commands: []model.RelayCommand{},
		Rejected: plan.Rejected,
		Failed:   []GroupFailure{},
	}
	if result.Rejected == nil {
		result.Rejected = []batch.TupleError{}
	}
	metrics.AddRejectedTuples(len(plan.Rejected))

	for _, g := range plan.Groups {
		cmd, err := s.Submit(ctx, g.Partition, SubmitRequest{
			OriginDeviceID: req.OriginDeviceID,
			OriginAddress:  req.OriginAddress,
			TargetDeviceID: g.TargetDeviceID,
			TargetAddress:  g.TargetAddress,
			Targets:        g.Targets,
			Actions:        g.Actions,
			Durations:      g.Durations,
			Kind:           string(model.KindRule),
			Priority:       req.Priority,
			ExpiresAt:      req.ExpiresAt,
			OriginContext:  "rule:" + req.RuleID,
			RuleID:         req.RuleID,
			RuleName:       req.RuleName,
		})
		if err != nil {
			s.log.Warn("rule group not enqueued",
				zap.String("rule_id", req.RuleID),
				zap.String("target", g.TargetDeviceID),
				zap.Error(err))
			result.Failed = append(result.Failed, GroupFailure{
				Partition:      g.Partition,
				TargetDeviceID: g.TargetDeviceID,
				Error:          err.Error(),
			})
			continue
		}
		result.Commands = append(result.Commands, *cmd)
	}

	s.log.Info("rule executed",
		zap.String("rule_id", req.RuleID),
		zap.Int("commands", len(result.Commands)),
		zap.Int("rejected", len(result.Rejected)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// Claim locks pending commands for a polling hub. Stale claims in the partition are
// reclaimed first when lazy sweeping is enabled.
func (s *Service) Claim(ctx context.Context, p model.Partition, req ClaimRequest) ([]model.RelayCommand, error) {
	verr := &ValidationError{}
	if strings.TrimSpace(req.OriginDeviceID) == "" {
		verr.add("device_id", "device_id is required")
	}
	if req.LockTimeoutSeconds < 0 || req.LockTimeoutSeconds > maxLockTimeoutSeconds {
		verr.add("timeout_seconds", "timeout_seconds must be between 1 and %d", maxLockTimeoutSeconds)
	}
	if req.Limit < 0 {
		verr.add("limit", "limit must be positive")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit == 0 {
		limit = s.cfg.DefaultClaimLimit
	}
	if limit > s.cfg.MaxClaimLimit {
		limit = s.cfg.MaxClaimLimit
	}
	lockTimeout := s.cfg.LockTimeout()
	if req.LockTimeoutSeconds > 0 {
		lockTimeout = time.Duration(req.LockTimeoutSeconds) * time.Second
	}

	if s.cfg.LazySweep {
		if _, err := s.Sweep(ctx, p); err != nil {
			s.log.Warn("lazy sweep failed", zap.String("partition", string(p)), zap.Error(err))
		}
	}

	start := time.Now()
	res, err := s.store.Claim(ctx, p, s.clock(), store.ClaimFilter{
		OriginDeviceID: strings.TrimSpace(req.OriginDeviceID),
		TargetDeviceID: strings.TrimSpace(req.TargetDeviceID),
		Limit:          limit,
		LockTimeout:    lockTimeout,
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveClaim(string(p), len(res.Commands), res.Lost, time.Since(start))

	if len(res.Commands) > 0 || res.Lost > 0 {
		s.log.Info("commands claimed",
			zap.String("partition", string(p)),
			zap.String("origin", req.OriginDeviceID),
			zap.Int("claimed", len(res.Commands)),
			zap.Int("lost", res.Lost))
	}
	if res.Commands == nil {
		res.Commands = []model.RelayCommand{}
	}
	return res.Commands, nil
}

// Complete records a device's outcome for a processing command.
func (s *Service) Complete(ctx context.Context, p model.Partition, id string, req CompleteRequest) (*model.RelayCommand, error) {
	status := model.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	verr := &ValidationError{}
	if status != model.StatusSynced && status != model.StatusFailed {
		verr.add("status", "status must be one of [synced failed], got %q", req.Status)
	}
	if req.Attempt < 0 {
		verr.add("attempt", "attempt must be positive")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	var details string
	if len(req.ExecutionDetails) > 0 && string(req.ExecutionDetails) != "null" {
		details = string(req.ExecutionDetails)
	}

	cmd, err := s.store.Complete(ctx, p, id, s.clock(), store.Completion{
		Status:           status,
		ErrorMessage:     strings.TrimSpace(req.ErrorMessage),
		ExecutionDetails: details,
		Attempt:          req.Attempt,
	})
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			metrics.IncConflict(string(p))
			s.log.Warn("completion rejected",
				zap.String("partition", string(p)),
				zap.String("id", id),
				zap.String("reported", string(status)),
				zap.String("current", string(conflict.Current)))
		}
		return nil, err
	}

	metrics.IncResult(string(p), string(cmd.Status))
	s.log.Info("command finalized",
		zap.String("partition", string(p)),
		zap.String("id", id),
		zap.String("status", string(cmd.Status)),
		zap.Int("attempt", cmd.AttemptCount))
	if cmd.Status == model.StatusFailed && s.notifier != nil {
		s.notifier.CommandFailed(p, cmd.ID)
	}
	return cmd, nil
}

// Cancel expires a pending command so it is never claimed.
func (s *Service) Cancel(ctx context.Context, p model.Partition, id string) (*model.RelayCommand, error) {
	cmd, err := s.store.Expire(ctx, p, id, s.clock())
	if err != nil {
		return nil, err
	}
	s.log.Info("command cancelled", zap.String("partition", string(p)), zap.String("id", id))
	return cmd, nil
}

// Get returns one command.
func (s *Service) Get(ctx context.Context, p model.Partition, id string) (*model.RelayCommand, error) {
	return s.store.Get(ctx, p, id)
}

// History returns the acknowledgement feed for a partition.
func (s *Service) History(ctx context.Context, p model.Partition, req HistoryRequest) ([]AckRecord, error) {
	verr := &ValidationError{}
	for i, st := range req.Statuses {
		if !st.Terminal() && st != model.StatusProcessing && st != model.StatusPending {
			verr.add(fmt.Sprintf("status[%d]", i), "unknown status %q", st)
		}
	}
	if req.Limit < 0 {
		verr.add("limit", "limit must be positive")
	}
	if req.Offset < 0 {
		verr.add("offset", "offset must be positive")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	rows, err := s.store.ListTerminal(ctx, p, store.HistoryFilter{
		CommandID:       req.CommandID,
		OriginDeviceID:  req.OriginDeviceID,
		TargetDeviceID:  req.TargetDeviceID,
		Statuses:        req.Statuses,
		IncludeInFlight: req.IncludeInFlight,
		Limit:           req.Limit,
		Offset:          req.Offset,
	})
	if err != nil {
		return nil, err
	}

	acks := make([]AckRecord, 0, len(rows))
	for _, r := range rows {
		acks = append(acks, NewAckRecord(p, r))
	}
	return acks, nil
}

// Sweep reclaims stale claims in one partition.
func (s *Service) Sweep(ctx context.Context, p model.Partition) (store.ReclaimResult, error) {
	res, err := s.store.ReclaimStale(ctx, p, s.clock(), s.cfg.MaxAttempts)
	if err != nil {
		return res, err
	}

	metrics.AddRecovery(string(p), metrics.RecoveryRequeued, len(res.Requeued))
	metrics.AddRecovery(string(p), metrics.RecoveryExhausted, len(res.Exhausted))
	if len(res.Requeued) > 0 || len(res.Exhausted) > 0 {
		s.log.Warn("stale claims reclaimed",
			zap.String("partition", string(p)),
			zap.Strings("requeued", res.Requeued),
			zap.Strings("exhausted", res.Exhausted))
	}
	for _, id := range res.Exhausted {
		metrics.IncResult(string(p), string(model.StatusFailed))
		if s.notifier != nil {
			s.notifier.CommandFailed(p, id)
		}
	}
	return res, nil
}

// SweepAll reclaims stale claims in every partition.
func (s *Service) SweepAll(ctx context.Context) (map[model.Partition]store.ReclaimResult, error) {
	out := make(map[model.Partition]store.ReclaimResult, len(model.Partitions))
	var errs []error
	for _, p := range model.Partitions {
		res, err := s.Sweep(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		out[p] = res
	}
	return out, errors.Join(errs...)
}
