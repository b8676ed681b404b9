// Package session tracks in-flight classification sessions and drives the
// per-channel "working" indicator.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"packbot/internal/metrics"
)

// Indicator shows activity in a channel. Start is called once when the first
// session on a channel begins, Pulse on every tick, Stop when the last one ends.
type Indicator interface {
	Start(ctx context.Context, channelID string) error
	Pulse(ctx context.Context, channelID string, elapsed time.Duration) error
	Stop(ctx context.Context, channelID string) error
}

const (
	DefaultInterval = 5 * time.Second

	indicatorCallTimeout = 10 * time.Second
)

type Manager struct {
	indicator Indicator
	interval  time.Duration

	inFlight atomic.Int64

	mu       sync.Mutex
	channels map[string]*channelTask
	stopping map[string]chan struct{}
	idle     chan struct{} // closed while inFlight == 0
}

type channelTask struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Session is one command's hold on the manager. End releases it.
type Session struct {
	ID        string
	ChannelID string
	Started   time.Time

	m    *Manager
	once sync.Once
}

// NewManager returns a manager. A nil indicator disables the channel task.
func NewManager(indicator Indicator, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	idle := make(chan struct{})
	close(idle)
	return &Manager{
		indicator: indicator,
		interval:  interval,
		channels:  map[string]*channelTask{},
		stopping:  map[string]chan struct{}{},
		idle:      idle,
	}
}

// Begin registers a session on channelID and starts the channel's indicator
// if none is running. ctx bounds only the indicator calls.
func (m *Manager) Begin(ctx context.Context, channelID string) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Started:   time.Now(),
		m:         m,
	}

	m.mu.Lock()
	if m.inFlight.Add(1) == 1 {
		m.idle = make(chan struct{})
	}
	task := m.channels[channelID]
	if task == nil {
		task = m.startTask(ctx, channelID)
		m.channels[channelID] = task
	}
	task.refs++
	m.mu.Unlock()

	metrics.SessionsInFlight.Inc()
	return s
}

// End releases the session. Safe to call more than once.
func (s *Session) End() {
	s.once.Do(func() {
		s.m.release(s.ChannelID)
		metrics.SessionsInFlight.Dec()
		metrics.SessionDuration.Observe(time.Since(s.Started).Seconds())
	})
}

func (m *Manager) release(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task := m.channels[channelID]; task != nil {
		task.refs--
		if task.refs <= 0 {
			task.cancel()
			delete(m.channels, channelID)
			select {
			case <-task.done:
			default:
				m.stopping[channelID] = task.done
			}
		}
	}
	if m.inFlight.Add(-1) == 0 {
		close(m.idle)
	}
}

// InFlight returns the number of sessions between Begin and End.
func (m *Manager) InFlight() int64 {
	return m.inFlight.Load()
}

// Active reports whether channelID has a running indicator task.
func (m *Manager) Active(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channelID]
	return ok
}

// Wait blocks until no session is in flight or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) startTask(parent context.Context, channelID string) *channelTask {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	task := &channelTask{cancel: cancel, done: make(chan struct{})}
	if m.indicator == nil {
		close(task.done)
		return task
	}
	prev := m.stopping[channelID]
	delete(m.stopping, channelID)
	go m.runIndicator(ctx, channelID, prev, task.done)
	return task
}

// runIndicator waits for the previous task on the channel (if any) to finish
// its Stop so the two never overlap.
func (m *Manager) runIndicator(ctx context.Context, channelID string, prev <-chan struct{}, done chan struct{}) {
	defer func() {
		close(done)
		m.mu.Lock()
		if m.stopping[channelID] == done {
			delete(m.stopping, channelID)
		}
		m.mu.Unlock()
	}()
	if prev != nil {
		<-prev
	}
	logger := log.With("channel", channelID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("indicator task panicked", "panic", r)
		}
	}()

	// Start runs to completion even if the session has already ended, so
	// Stop always has something to clean up.
	started := time.Now()
	startCtx, cancelStart := context.WithTimeout(context.WithoutCancel(ctx), indicatorCallTimeout)
	err := m.indicator.Start(startCtx, channelID)
	cancelStart()
	if err != nil {
		logger.Warn("indicator start failed", "err", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), indicatorCallTimeout)
			if err := m.indicator.Stop(stopCtx, channelID); err != nil {
				logger.Warn("indicator stop failed", "err", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := m.indicator.Pulse(ctx, channelID, time.Since(started)); err != nil {
				logger.Debug("indicator pulse failed", "err", err)
			}
		}
	}
}
