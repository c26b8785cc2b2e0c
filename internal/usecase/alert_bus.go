package usecase

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertType classifies bus messages.
type AlertType string

const (
	AlertEvent         AlertType = "event"
	AlertThreat        AlertType = "threat"
	AlertQuarantine    AlertType = "quarantine"
	AlertRestore       AlertType = "restore"
	AlertConfigUpdated AlertType = "config_updated"
	AlertPendingAction AlertType = "pending_action"
)

// AlertSeverity grades bus messages.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one structured notification.
type Alert struct {
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	Data      interface{}   `json:"data"`
}

// AlertSink consumes alerts. Deliver may block; the bus isolates slow
// sinks behind a bounded backlog so they cannot stall the publisher.
type AlertSink interface {
	Deliver(Alert)
}

// ConfirmationDecision is the return-channel message resolving a
// pending safe-mode action.
type ConfirmationDecision struct {
	ActionID int64
	Approve  bool
}

const sinkBacklog = 256

// subscriber wraps one sink with its ring buffer.
type subscriber struct {
	name string
	sink AlertSink

	mu      sync.Mutex
	cond    *sync.Cond
	ring    []Alert
	dropped int64
	closed  bool
}

func newSubscriber(name string, sink AlertSink) *subscriber {
	s := &subscriber{name: name, sink: sink, ring: make([]Alert, 0, sinkBacklog)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push enqueues without blocking; when the backlog is full the oldest
// message is dropped and counted.
func (s *subscriber) push(a Alert) {
	s.mu.Lock()
	if len(s.ring) >= sinkBacklog {
		s.ring = s.ring[1:]
		s.dropped++
	}
	s.ring = append(s.ring, a)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) loop() {
	for {
		s.mu.Lock()
		for len(s.ring) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.ring) == 0 {
			s.mu.Unlock()
			return
		}
		a := s.ring[0]
		s.ring = s.ring[1:]
		s.mu.Unlock()

		s.sink.Deliver(a)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

// AlertBus fans structured notifications out to registered sinks and
// carries safe-mode confirmations back to the response engine.
type AlertBus struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs []*subscriber
	wg   sync.WaitGroup

	confirmations chan ConfirmationDecision
}

// NewAlertBus creates an empty bus.
func NewAlertBus(log *zap.Logger) *AlertBus {
	return &AlertBus{
		log:           log,
		confirmations: make(chan ConfirmationDecision, 64),
	}
}

// Subscribe registers a sink under a name and starts its delivery
// worker.
func (b *AlertBus) Subscribe(name string, sink AlertSink) {
	sub := newSubscriber(name, sink)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.loop()
	}()
}

// Publish delivers an alert to every sink's backlog without blocking.
func (b *AlertBus) Publish(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.push(a)
	}
}

// Dropped returns per-sink drop counters.
func (b *AlertBus) Dropped() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int64, len(b.subs))
	for _, sub := range b.subs {
		sub.mu.Lock()
		counts[sub.name] = sub.dropped
		sub.mu.Unlock()
	}
	return counts
}

// SubmitConfirmation feeds a safe-mode decision back to the response
// engine. Returns false when the return channel is saturated.
func (b *AlertBus) SubmitConfirmation(d ConfirmationDecision) bool {
	select {
	case b.confirmations <- d:
		return true
	default:
		b.log.Warn("confirmation channel full, decision dropped", zap.Int64("action_id", d.ActionID))
		return false
	}
}

// Confirmations exposes the return channel consumed by the response
// engine.
func (b *AlertBus) Confirmations() <-chan ConfirmationDecision {
	return b.confirmations
}

// Close stops delivery workers after draining backlogs.
func (b *AlertBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
}

// ZapSink logs alerts through the application logger.
type ZapSink struct {
	Log *zap.Logger
}

// Deliver writes one alert at a level matching its severity.
func (s *ZapSink) Deliver(a Alert) {
	fields := []zap.Field{
		zap.String("type", string(a.Type)),
		zap.Time("timestamp", a.Timestamp),
		zap.Any("data", a.Data),
	}
	switch a.Severity {
	case SeverityCritical:
		s.Log.Error("alert", fields...)
	case SeverityWarning:
		s.Log.Warn("alert", fields...)
	default:
		s.Log.Info("alert", fields...)
	}
}

// JSONLinesSink appends alerts to a file, one JSON object per line.
type JSONLinesSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLinesSink opens (appending) the alert log file.
func NewJSONLinesSink(path string) (*JSONLinesSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLinesSink{file: f}, nil
}

// Deliver writes one alert line.
func (s *JSONLinesSink) Deliver(a Alert) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.file.Write(append(data, '\n'))
}

// Close closes the underlying file.
func (s *JSONLinesSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
