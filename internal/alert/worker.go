// Package alert sends web push notifications when relay commands end in failed.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"relay-queue-backend/internal/metrics"
	"relay-queue-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Store is the persistence the workers need.
type Store interface {
	Get(ctx context.Context, p model.Partition, id string) (*model.RelayCommand, error)
	SubscriptionsForDevices(ctx context.Context, deviceIDs []string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// Job identifies a failed command.
type Job struct {
	Partition model.Partition
	CommandID string
}

// Message is the push payload.
type Message struct {
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	CommandID      string          `json:"command_id"`
	Partition      model.Partition `json:"partition"`
	OriginDeviceID string          `json:"origin_device_id"`
	TargetDeviceID string          `json:"target_device_id"`
	Targets        []int           `json:"targets"`
	Attempts       int             `json:"attempts"`
	Error          string          `json:"error,omitempty"`
}

// WorkerPool manages a pool of workers for sending failure alerts.
type WorkerPool struct {
	size    int
	jobs    chan Job
	store   Store
	webpush *webpush.Options
	sender  NotificationSender
	log     *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size, queueSize int, st Store, webpushOptions *webpush.Options, log *zap.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, queueSize),
		store:   st,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("alert worker started", zap.Int("worker", id))
	for {
		select {
		case job := <-wp.jobs:
			wp.sendAlertsForCommand(ctx, job)
		case <-ctx.Done():
			wp.log.Debug("alert worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues a job, blocking while the queue is full.
func (wp *WorkerPool) Dispatch(job Job) {
	wp.jobs <- job
}

// CommandFailed queues an alert without blocking. Alerts are dropped when the queue
// is full so the request path never waits on push delivery.
func (wp *WorkerPool) CommandFailed(p model.Partition, id string) {
	select {
	case wp.jobs <- Job{Partition: p, CommandID: id}:
	default:
		metrics.IncAlertDropped()
		wp.log.Warn("alert queue full, dropping failure alert",
			zap.String("partition", string(p)),
			zap.String("id", id))
	}
}

func (wp *WorkerPool) sendAlertsForCommand(ctx context.Context, job Job) {
	cmd, err := wp.store.Get(ctx, job.Partition, job.CommandID)
	if err != nil {
		wp.log.Error("failed to load command for alert",
			zap.String("partition", string(job.Partition)),
			zap.String("id", job.CommandID),
			zap.Error(err))
		return
	}

	devices := []string{cmd.OriginDeviceID}
	if cmd.TargetDeviceID != cmd.OriginDeviceID {
		devices = append(devices, cmd.TargetDeviceID)
	}
	subs, err := wp.store.SubscriptionsForDevices(ctx, devices)
	if err != nil {
		wp.log.Error("failed to fetch subscriptions", zap.Strings("devices", devices), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(NewMessage(job.Partition, cmd))
	if err != nil {
		wp.log.Error("failed to encode alert", zap.Error(err))
		return
	}

	wp.log.Info("sending failure alerts",
		zap.String("id", cmd.ID),
		zap.Int("subscriptions", len(subs)))
	for _, sub := range subs {
		wp.sendNotification(ctx, sub, payload)
	}
}

// NewMessage builds the alert payload for a failed command.
func NewMessage(p model.Partition, cmd *model.RelayCommand) Message {
	return Message{
		Title:          "Relay command failed",
		Body:           fmt.Sprintf("%s relays %v on %s failed after %d attempt(s)", p, cmd.Targets, cmd.TargetDeviceID, cmd.AttemptCount),
		CommandID:      cmd.ID,
		Partition:      p,
		OriginDeviceID: cmd.OriginDeviceID,
		TargetDeviceID: cmd.TargetDeviceID,
		Targets:        cmd.Targets,
		Attempts:       cmd.AttemptCount,
		Error:          cmd.ErrorMessage,
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Warn("failed to send alert", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		wp.log.Info("subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.log.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
