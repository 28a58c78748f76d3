// Package notify delivers operator notifications emitted by the scheduler:
// pre-execution notices, approval requests, emergency stops and execution
// outcomes. Delivery guarantees belong to each sink.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
)

// ErrRateLimited is returned when a notification is dropped by a RateLimited sink.
var ErrRateLimited = errors.New("notify: rate limit exceeded")

// EventType classifies a notification.
type EventType string

const (
	EventPreExecution     EventType = "pre_execution"
	EventApprovalRequired EventType = "approval_required"
	EventEmergencyStop    EventType = "emergency_stop"
	EventEmergencyRestore EventType = "emergency_restore"
	EventExecutionFailed  EventType = "execution_failed"
	EventExecutionDone    EventType = "execution_completed"
	EventLongRunning      EventType = "long_running"
)

// Notification is one operator-facing message.
type Notification struct {
	Type        EventType         `json:"type"`
	ScheduleID  string            `json:"schedule_id,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Notifier is a notification sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger).Named("notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("type", string(n.Type)),
		zap.String("schedule_id", n.ScheduleID),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	}
	if n.ExecutionID != "" {
		fields = append(fields, zap.String("execution_id", n.ExecutionID))
	}
	for k, v := range n.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	switch n.Type {
	case EventEmergencyStop, EventEmergencyRestore, EventExecutionFailed, EventLongRunning:
		l.logger.Warn("notification", fields...)
	default:
		l.logger.Info("notification", fields...)
	}
	return nil
}

// Publisher publishes a message on a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// PubSubNotifier publishes notifications as JSON on a channel, typically a
// Redis pub/sub channel.
type PubSubNotifier struct {
	pub     Publisher
	channel string
}

func NewPubSubNotifier(pub Publisher, channel string) *PubSubNotifier {
	return &PubSubNotifier{pub: pub, channel: channel}
}

func (p *PubSubNotifier) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	if err := p.pub.Publish(ctx, p.channel, data); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RateLimited drops notifications above a steady rate.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond notifications per second with the given burst.
func NewRateLimited(next Notifier, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Notify(ctx context.Context, n Notification) error {
	if !r.limiter.Allow() {
		return ErrRateLimited
	}
	return r.next.Notify(ctx, n)
}

// Memory keeps notifications in memory.
type Memory struct {
	mu   sync.Mutex
	sent []Notification
}

func (m *Memory) Notify(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns every notification received so far.
func (m *Memory) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

// OfType returns the received notifications of type t.
func (m *Memory) OfType(t EventType) []Notification {
	var out []Notification
	for _, n := range m.Sent() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
