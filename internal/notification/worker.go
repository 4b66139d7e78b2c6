package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
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

// Job is one alert to fan out to the subscribers of a role.
type Job struct {
	Role    string
	SlotID  string
	Message Message
}

// Message is the JSON payload delivered to the browser.
type Message struct {
	Kind       syncbus.Kind `json:"kind"`
	Title      string       `json:"title"`
	Body       string       `json:"body"`
	SlotID     string       `json:"slotId"`
	DriverCode string       `json:"driverCode,omitempty"`
	RequestID  string       `json:"requestId"`
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Job
	subs    store.Subscriptions
	webpush *webpush.Options
	sender  NotificationSender
	logger  *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size, queueSize int, subs store.Subscriptions, webpushOptions *webpush.Options, logger *zap.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, queueSize),
		subs:    subs,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// Attach turns delay escalation events into push jobs. Only events raised in
// this process are pushed, so a shared change feed does not duplicate alerts.
func (wp *WorkerPool) Attach(bus *syncbus.Bus) (detach func()) {
	handle := func(ev syncbus.Event) {
		if ev.Source != syncbus.SourceLocal {
			return
		}
		if job, ok := JobFor(ev); ok {
			wp.Dispatch(job)
		}
	}
	offCreated := bus.Subscribe(syncbus.DelayRequestCreated, handle)
	offResponded := bus.Subscribe(syncbus.DelayRequestResponded, handle)
	return func() {
		offCreated()
		offResponded()
	}
}

// JobFor maps a bus event to the alert it should raise.
func JobFor(ev syncbus.Event) (Job, bool) {
	switch ev.Kind {
	case syncbus.DelayRequestCreated:
		return Job{
			Role: model.RoleAdmin,
			Message: Message{
				Kind:       ev.Kind,
				Title:      fmt.Sprintf("Vaga %s: gaiola %s atrasada", ev.SlotID, ev.DriverCode),
				Body:       "A gaiola chamada não chegou à vaga. Reciclar ou aguardar?",
				SlotID:     ev.SlotID,
				DriverCode: ev.DriverCode,
				RequestID:  ev.RequestID,
			},
		}, true
	case syncbus.DelayRequestResponded:
		body := "Motorista a caminho, aguarde."
		if ev.Response == string(model.ResponseRecycleCage) {
			body = "Gaiola reciclada, a vaga está livre para uma nova chamada."
		}
		return Job{
			Role:   model.RoleSlot,
			SlotID: ev.SlotID,
			Message: Message{
				Kind:       ev.Kind,
				Title:      fmt.Sprintf("Vaga %s: resposta do administrador", ev.SlotID),
				Body:       body,
				SlotID:     ev.SlotID,
				DriverCode: ev.DriverCode,
				RequestID:  ev.RequestID,
			},
		}, true
	}
	return Job{}, false
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("notification worker started", zap.Int("worker", id))
	for {
		select {
		case job := <-wp.jobs:
			wp.send(ctx, job)
		case <-ctx.Done():
			wp.logger.Debug("notification worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues a job without blocking; bus handlers call it synchronously.
func (wp *WorkerPool) Dispatch(job Job) bool {
	select {
	case wp.jobs <- job:
		return true
	default:
		wp.logger.Warn("notification queue full, dropping alert",
			zap.String("kind", string(job.Message.Kind)),
			zap.String("slot_id", job.Message.SlotID),
			zap.String("request_id", job.Message.RequestID))
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Job {
	return wp.jobs
}

// send fetches the role's subscriptions and pushes the job to each of them.
func (wp *WorkerPool) send(ctx context.Context, job Job) {
	subscriptions, err := wp.subs.ListSubscriptions(ctx, job.Role, job.SlotID)
	if err != nil {
		wp.logger.Error("failed to list push subscriptions",
			zap.String("role", job.Role), zap.String("slot_id", job.SlotID), zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(job.Message)
	if err != nil {
		wp.logger.Error("failed to encode push payload", zap.Error(err))
		return
	}

	wp.logger.Info("sending push notifications",
		zap.String("kind", string(job.Message.Kind)),
		zap.String("slot_id", job.Message.SlotID),
		zap.Int("subscribers", len(subscriptions)))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
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
		wp.logger.Warn("failed to send push notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		wp.logger.Info("push subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.subs.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.logger.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
