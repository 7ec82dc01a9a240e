// Package connectivity tracks whether the backend is reachable and fans out online/offline
// transitions to subscribers.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transition reports a change of reachability.
type Transition struct {
	Online    bool
	Timestamp time.Time
}

// Config configures a Monitor.
type Config struct {
	InitialOnline bool
	Clock         func() time.Time
	Logger        *zap.Logger
	BufferSize    int
}

// Monitor holds the current online flag and publishes transitions.
type Monitor struct {
	mu          sync.RWMutex
	online      bool
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	logger      *zap.Logger
}

type subscriber struct {
	id     int64
	stream chan Transition
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg Config) *Monitor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Monitor{
		online:      cfg.InitialOnline,
		subscribers: make(map[int64]*subscriber),
		bufferSize:  bufferSize,
		clock:       clock,
		logger:      logger,
	}
}

// Online reports the current reachability.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records the new state and publishes a Transition only when it changed.
// It reports whether a transition happened.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	copies := make([]*subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		copies = append(copies, sub)
	}
	m.mu.Unlock()

	transition := Transition{Online: online, Timestamp: m.clock().UTC()}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, sub := range copies {
		select {
		case sub.stream <- transition:
		default:
			m.logger.Warn("connectivity subscriber lagging, transition dropped", zap.Int64("subscriber", sub.id))
		}
	}
	return true
}

// Subscribe returns a stream of transitions that closes its registration when ctx ends.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan Transition, func()) {
	sub := &subscriber{stream: make(chan Transition, m.bufferSize)}
	m.mu.Lock()
	m.nextID++
	sub.id = m.nextID
	m.subscribers[sub.id] = sub
	m.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, sub.id)
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Probe checks whether the backend answers.
type Probe func(ctx context.Context) error

// Watch runs probe every interval until ctx ends, flipping the online flag on each result.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	if probe == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m.check(ctx, probe, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, probe, interval)
		}
	}
}

func (m *Monitor) check(ctx context.Context, probe Probe, interval time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	err := probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	m.SetOnline(err == nil)
}
