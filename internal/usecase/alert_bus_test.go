package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	block  chan struct{} // when non-nil, Deliver waits on it
}

func (s *recordingSink) Deliver(a Alert) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func TestAlertBus_FanOut(t *testing.T) {
	bus := NewAlertBus(zap.NewNop())
	first := &recordingSink{}
	second := &recordingSink{}
	bus.Subscribe("first", first)
	bus.Subscribe("second", second)

	for i := 0; i < 10; i++ {
		bus.Publish(Alert{Type: AlertEvent, Severity: SeverityInfo})
	}
	bus.Close()

	assert.Equal(t, 10, first.count())
	assert.Equal(t, 10, second.count())
}

func TestAlertBus_PublishNeverBlocksOnSlowSink(t *testing.T) {
	bus := NewAlertBus(zap.NewNop())
	slow := &recordingSink{block: make(chan struct{})}
	bus.Subscribe("slow", slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sinkBacklog*2; i++ {
			bus.Publish(Alert{Type: AlertThreat, Severity: SeverityCritical})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow sink")
	}

	// Backlog bounded at sinkBacklog; the overflow was dropped oldest-first
	dropped := bus.Dropped()["slow"]
	assert.Greater(t, dropped, int64(0))

	close(slow.block)
	bus.Close()
	assert.LessOrEqual(t, slow.count(), sinkBacklog+1)
}

func TestAlertBus_ConfirmationReturnChannel(t *testing.T) {
	bus := NewAlertBus(zap.NewNop())

	require.True(t, bus.SubmitConfirmation(ConfirmationDecision{ActionID: 5, Approve: true}))

	select {
	case d := <-bus.Confirmations():
		assert.Equal(t, int64(5), d.ActionID)
		assert.True(t, d.Approve)
	case <-time.After(time.Second):
		t.Fatal("confirmation not delivered")
	}
}

func TestAlertBus_TimestampsDefaulted(t *testing.T) {
	bus := NewAlertBus(zap.NewNop())
	sink := &recordingSink{}
	bus.Subscribe("s", sink)

	bus.Publish(Alert{Type: AlertRestore, Severity: SeverityWarning})
	bus.Close()

	require.Equal(t, 1, sink.count())
	assert.False(t, sink.alerts[0].Timestamp.IsZero())
}
