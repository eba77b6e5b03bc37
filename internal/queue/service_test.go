package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relay-queue-backend/config"
	"relay-queue-backend/internal/batch"
	"relay-queue-backend/internal/db"
	"relay-queue-backend/internal/model"
	"relay-queue-backend/internal/store"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	failed []string
}

func (n *recordingNotifier) CommandFailed(p model.Partition, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, string(p)+"/"+id)
}

func (n *recordingNotifier) Failed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.failed...)
}

type harness struct {
	svc      *Service
	clock    *fakeClock
	notifier *recordingNotifier
	store    store.Store
}

func newHarness(t *testing.T, tweak func(*config.QueueConfig)) *harness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gormDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))

	cfg := config.Default().Queue
	if tweak != nil {
		tweak(&cfg)
	}

	h := &harness{
		clock:    &fakeClock{now: t0},
		notifier: &recordingNotifier{},
		store:    store.NewGormStore(gormDB),
	}
	h.svc = NewService(h.store, cfg, zap.NewNop(), WithClock(h.clock.Now), WithNotifier(h.notifier))
	return h
}

func intPtr(v int) *int { return &v }

func fieldNames(err error) []string {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	names := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		names = append(names, f.Field)
	}
	return names
}

func TestSubmit_ReportsEveryInvalidField(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.Submit(context.Background(), model.PartitionSlave, SubmitRequest{
		Targets:   []int{0, 9},
		Actions:   []string{"on", "toggle"},
		Durations: []int{0, 90000},
		Kind:      "cron",
		Priority:  intPtr(101),
	})

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{
		"origin_device_id",
		"actions[1]",
		"durations[1]",
		"kind",
		"priority",
		"targets[1]",
		"target_device_id",
	}, fieldNames(err))
	assert.Contains(t, err.Error(), "origin_device_id is required")
}

func TestSubmit_LengthMismatch(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.Submit(context.Background(), model.PartitionMaster, SubmitRequest{
		OriginDeviceID: "hub-1",
		Targets:        []int{0, 1, 1},
		Actions:        []string{"on"},
		Durations:      []int{0, 0},
	})
	assert.ElementsMatch(t, []string{"actions", "durations", "targets[2]"}, fieldNames(err))

	_, err = h.svc.Submit(context.Background(), model.PartitionMaster, SubmitRequest{OriginDeviceID: "hub-1"})
	assert.ElementsMatch(t, []string{"targets", "actions"}, fieldNames(err))
}

func TestSubmit_DefaultsAndDerivedTarget(t *testing.T) {
	h := newHarness(t, nil)

	cmd, err := h.svc.Submit(context.Background(), model.PartitionSlave, SubmitRequest{
		OriginDeviceID: "hub-1",
		TargetAddress:  "aa-bb-cc-dd-ee-ff",
		Targets:        []int{7, 0},
		Actions:        []string{"ON", "Off"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ESP32_SLAVE_AA_BB_CC_DD_EE_FF", cmd.TargetDeviceID)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cmd.TargetAddress)
	assert.Equal(t, []string{"on", "off"}, cmd.Actions)
	assert.Equal(t, []int{0, 0}, cmd.Durations)
	assert.Equal(t, model.KindManual, cmd.Kind)
	assert.Equal(t, 50, cmd.Priority)
	assert.Equal(t, model.StatusPending, cmd.Status)
	assert.True(t, cmd.CreatedAt.Equal(t0))

	master, err := h.svc.Submit(context.Background(), model.PartitionMaster, SubmitRequest{
		OriginDeviceID: "hub-1",
		OriginAddress:  "11:22:33:44:55:66",
		Targets:        []int{15},
		Actions:        []string{"on"},
		Durations:      []int{600},
		Priority:       intPtr(0),
	})
	require.NoError(t, err)
	assert.Equal(t, "hub-1", master.TargetDeviceID)
	assert.Equal(t, "11:22:33:44:55:66", master.TargetAddress)
	assert.Equal(t, 0, master.Priority)
}

func TestRoundTrip_SubmitClaimCompleteHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cmd, err := h.svc.Submit(ctx, model.PartitionSlave, SubmitRequest{
		OriginDeviceID: "hub-1",
		TargetDeviceID: "ESP32_SLAVE_AA_BB_CC_DD_EE_FF",
		Targets:        []int{0},
		Actions:        []string{"on"},
		Durations:      []int{30},
	})
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	claimed, err := h.svc.Claim(ctx, model.PartitionSlave, ClaimRequest{OriginDeviceID: "hub-1"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, cmd.ID, claimed[0].ID)

	h.clock.Advance(time.Second)
	done, err := h.svc.Complete(ctx, model.PartitionSlave, cmd.ID, CompleteRequest{
		Status:           "synced",
		ExecutionDetails: json.RawMessage(`{"relay":0,"state":"on"}`),
		Attempt:          1,
	})
	require.NoError(t, err)
	assert.True(t, done.Completed)

	acks, err := h.svc.History(ctx, model.PartitionSlave, HistoryRequest{OriginDeviceID: "hub-1"})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	ack := acks[0]
	assert.Equal(t, cmd.ID, ack.CommandID)
	assert.Equal(t, model.StatusSynced, ack.Status)
	assert.Equal(t, 1, ack.Attempts)
	assert.True(t, ack.Completed)
	assert.True(t, ack.Success)
	assert.JSONEq(t, `{"relay":0,"state":"on"}`, string(ack.ExecutionDetails))
	assert.Empty(t, h.notifier.Failed())
}

func TestComplete_SecondReportConflicts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cmd, err := h.svc.Submit(ctx, model.PartitionMaster, SubmitRequest{
		OriginDeviceID: "hub-1", Targets: []int{1}, Actions: []string{"off"},
	})
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, model.PartitionMaster, ClaimRequest{OriginDeviceID: "hub-1"})
	require.NoError(t, err)

	_, err = h.svc.Complete(ctx, model.PartitionMaster, cmd.ID, CompleteRequest{Status: "synced"})
	require.NoError(t, err)
	_, err = h.svc.Complete(ctx, model.PartitionMaster, cmd.ID, CompleteRequest{Status: "synced"})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = h.svc.Complete(ctx, model.PartitionMaster, cmd.ID, CompleteRequest{Status: "done"})
	assert.Equal(t, []string{"status"}, fieldNames(err))
}

func TestComplete_FailureNotifies(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cmd, err := h.svc.Submit(ctx, model.PartitionMaster, SubmitRequest{
		OriginDeviceID: "hub-1", Targets: []int{1}, Actions: []string{"off"},
	})
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, model.PartitionMaster, ClaimRequest{OriginDeviceID: "hub-1"})
	require.NoError(t, err)

	failed, err := h.svc.Complete(ctx, model.PartitionMaster, cmd.ID, CompleteRequest{Status: "FAILED", ErrorMessage: "relay 1 did not switch"})
	require.NoError(t, err)
	assert.Equal(t, "relay 1 did not switch", failed.ErrorMessage)
	assert.Equal(t, []string{"master/" + cmd.ID}, h.notifier.Failed())
}

func TestClaim_PriorityWinsThenFIFO(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	submit := func(priority int) string {
		cmd, err := h.svc.Submit(ctx, model.PartitionSlave, SubmitRequest{
			OriginDeviceID: "hub-1", TargetDeviceID: "box", Targets: []int{0}, Actions: []string{"on"}, Priority: intPtr(priority),
		})
		require.NoError(t, err)
		h.clock.Advance(time.Second)
		return cmd.ID
	}
	early50 := submit(50)
	high := submit(80)
	late50 := submit(50)

	for _, want := range []string{high, early50, late50} {
		got, err := h.svc.Claim(ctx, model.PartitionSlave, ClaimRequest{OriginDeviceID: "hub-1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, want, got[0].ID)
	}
}

func TestClaim_LimitIsCappedAndValidated(t *testing.T) {
	h := newHarness(t, func(c *config.QueueConfig) { c.MaxClaimLimit = 2 })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Submit(ctx, model.PartitionMaster, SubmitRequest{OriginDeviceID: "hub-1", Targets: []int{i}, Actions: []string{"on"}})
		require.NoError(t, err)
	}
	got, err := h.svc.Claim(ctx, model.PartitionMaster, ClaimRequest{OriginDeviceID: "hub-1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = h.svc.Claim(ctx, model.PartitionMaster, ClaimRequest{OriginDeviceID: "", LockTimeoutSeconds: 7200})
	assert.ElementsMatch(t, []string{"device_id", "timeout_seconds"}, fieldNames(err))
}

func TestClaim_LazySweepReclaimsAfterTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.QueueConfig) { c.MaxAttempts = 2 })
	ctx := context.Background()

	cmd, err := h.svc.Submit(ctx, model.PartitionSlave, SubmitRequest{
		OriginDeviceID: "hub-1", TargetDeviceID: "box", Targets: []int{0}, Actions: []string{"on"},
	})
	require.NoError(t, err)

	got, err := h.svc.Claim(ctx, model.PartitionSlave, ClaimRequest{OriginDeviceID: "hub-1", LockTimeoutSeconds: 60})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// still locked
	h.clock.Advance(30 * time.Second)
	got, err = h.svc.Claim(ctx, model.PartitionSlave, ClaimRequest{OriginDeviceID: "hub-1", LockTimeoutSeconds: 60})
	require.NoError(t, err)
	assert.Empty(t, got)

	// T0+61: the lock has lapsed and the second attempt is allowed
	h.clock.Advance(31 * time.Second)
	got, err = h.svc.Claim(ctx, model.PartitionSlave, ClaimRequest{OriginDeviceID: "hub-1", LockTimeoutSeconds: 60})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cmd.ID, got[0].ID)
	assert.Equal(t, 2, got[0].AttemptCount)

	// a late report for the first attempt must not finalize the second one
	_, err = h.svc.Complete(ctx, model.PartitionSlave, cmd.ID, CompleteRequest{Status: "synced", Attempt: 1})
	assert.ErrorIs(t, err, store.ErrConflict)

	h.clock.Advance(61 * time.Second)
	got, err = h.svc.Claim(ctx, model.PartitionSlave, ClaimRequest{OriginDeviceID: "hub-1", LockTimeoutSeconds: 60})
	require.NoError(t, err)
	assert.Empty(t, got)

	stored, err := h.svc.Get(ctx, model.PartitionSlave, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, store.TimeoutMessage, stored.ErrorMessage)
	assert.Equal(t, []string{"slave/" + cmd.ID}, h.notifier.Failed())
}

func TestSweepAll(t *testing.T) {
	h := newHarness(t, func(c *config.QueueConfig) { c.LazySweep = false })
	ctx := context.Background()

	for _, p := range model.Partitions {
		_, err := h.svc.Submit(ctx, p, SubmitRequest{OriginDeviceID: "hub-1", TargetDeviceID: "box", Targets: []int{0}, Actions: []string{"on"}})
		require.NoError(t, err)
		_, err = h.svc.Claim(ctx, p, ClaimRequest{OriginDeviceID: "hub-1", LockTimeoutSeconds: 10})
		require.NoError(t, err)
	}

	h.clock.Advance(11 * time.Second)
	res, err := h.svc.SweepAll(ctx)
	require.NoError(t, err)
	assert.Len(t, res[model.PartitionMaster].Requeued, 1)
	assert.Len(t, res[model.PartitionSlave].Requeued, 1)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cmd, err := h.svc.Submit(ctx, model.PartitionMaster, SubmitRequest{OriginDeviceID: "hub-1", Targets: []int{3}, Actions: []string{"on"}})
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, model.PartitionMaster, cmd.ID)
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	got, err := h.svc.Claim(ctx, model.PartitionMaster, ClaimRequest{OriginDeviceID: "hub-1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExecuteRule_BatchesPerDevice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	idx := func(i int) *int { return &i }
	res, err := h.svc.ExecuteRule(ctx, RuleRequest{
		OriginDeviceID: "hub-1",
		OriginAddress:  "11:22:33:44:55:66",
		RuleID:         "rule-42",
		RuleName:       "night flush",
		Priority:       intPtr(70),
		Instructions: []batch.Instruction{
			{Type: "relay_action", Target: "slave", SlaveMAC: "AA:BB:CC:DD:EE:01", RelayNumber: idx(0), Action: "on", DurationSeconds: 5},
			{Type: "relay_action", Target: "slave", SlaveMAC: "AA:BB:CC:DD:EE:01", RelayNumber: idx(1), Action: "on", DurationSeconds: 5},
			{Type: "relay_action", Target: "slave", SlaveMAC: "AA:BB:CC:DD:EE:02", RelayNumber: idx(0), Action: "off"},
			{Type: "relay_action", Target: "slave", SlaveMAC: "AA:BB:CC:DD:EE:01", RelayNumber: idx(0), Action: "off"},
			{Type: "relay_action", Target: "slave", SlaveMAC: "AA:BB:CC:DD:EE:02", RelayNumber: idx(12), Action: "on"},
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Commands, 2)
	assert.Empty(t, res.Failed)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 4, res.Rejected[0].Position)

	a := res.Commands[0]
	assert.Equal(t, "ESP32_SLAVE_AA_BB_CC_DD_EE_01", a.TargetDeviceID)
	assert.Equal(t, []int{0, 1}, a.Targets)
	assert.Equal(t, []string{"off", "on"}, a.Actions)
	assert.Equal(t, model.KindRule, a.Kind)
	assert.Equal(t, "rule-42", a.RuleID)
	assert.Equal(t, 70, a.Priority)

	b := res.Commands[1]
	assert.Equal(t, "ESP32_SLAVE_AA_BB_CC_DD_EE_02", b.TargetDeviceID)
	assert.Equal(t, []int{0}, b.Targets)
	assert.Equal(t, []string{"off"}, b.Actions)

	claimed, err := h.svc.Claim(ctx, model.PartitionSlave, ClaimRequest{OriginDeviceID: "hub-1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestExecuteRule_Validation(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.ExecuteRule(context.Background(), RuleRequest{})
	assert.ElementsMatch(t, []string{"origin_device_id", "rule_id", "instructions"}, fieldNames(err))
}
