package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/samiralibabic/scriptd/internal/logging"
	"github.com/samiralibabic/scriptd/internal/metrics"
	"github.com/samiralibabic/scriptd/internal/rpc"
)

// AllRuns subscribes to the events of every run.
const AllRuns = "*"

const (
	subscriberBuffer = 256
	deliveryTimeout  = 2 * time.Second
)

type subscriber struct {
	id    int
	topic string
	ch    chan rpc.Notification

	mu     sync.Mutex
	closed bool
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans notifications out to subscribers. Only term.output may be
// dropped for a full subscriber; anything else waits for room, and a
// subscriber that stays full past the delivery timeout is disconnected
// by closing its channel.
type Bus struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	timeout time.Duration

	mu          sync.RWMutex
	nextSubID   int
	subscribers map[string]map[int]*subscriber
}

func NewBus(logger *slog.Logger, m *metrics.Collector) *Bus {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{
		logger:      logger,
		metrics:     m,
		timeout:     deliveryTimeout,
		subscribers: map[string]map[int]*subscriber{},
	}
}

func (b *Bus) Subscribe(runID string) (chan rpc.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	s := &subscriber{
		id:    b.nextSubID,
		topic: runID,
		ch:    make(chan rpc.Notification, subscriberBuffer),
	}
	if _, ok := b.subscribers[runID]; !ok {
		b.subscribers[runID] = map[int]*subscriber{}
	}
	b.subscribers[runID][s.id] = s
	return s.ch, func() {
		b.remove(s)
		s.close()
	}
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.subscribers, s.topic)
		}
	}
}

// Publish delivers to subscribers of runID and of AllRuns.
func (b *Bus) Publish(runID, method string, params any) {
	evt := rpc.NewNotification(method, params)

	b.mu.RLock()
	var targets []*subscriber
	for _, topic := range []string{runID, AllRuns} {
		for _, s := range b.subscribers[topic] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	lossy := method == rpc.NotifyTermOutput
	for _, s := range targets {
		if b.deliver(s, evt, lossy) {
			continue
		}
		b.metrics.NotificationDropped(method)
		if lossy {
			b.logger.Debug("notification_dropped", "run_id", runID, "method", method, "subscriber", s.id)
			continue
		}
		b.logger.Warn("subscriber_disconnected", "run_id", runID, "method", method, "subscriber", s.id)
		b.remove(s)
		s.close()
	}
}

// deliver reports false when evt did not reach s.
func (b *Bus) deliver(s *subscriber, evt rpc.Notification, lossy bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
	}
	if lossy {
		return false
	}
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case s.ch <- evt:
		return true
	case <-timer.C:
		return false
	}
}
