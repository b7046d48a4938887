package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Plugin consumes events. OnEvent is called from a single goroutine, in
// emission order.
type Plugin interface {
	Name() string
	OnEvent(ctx context.Context, e Event) error
	Close(ctx context.Context) error
}

const (
	defaultQueueSize = 1024
	defaultTimeout   = 5 * time.Second
)

// Manager fans events out to plugins asynchronously.
type Manager struct {
	plugins   []Plugin
	log       *zap.Logger
	queueSize int
	timeout   time.Duration

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan Event
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithQueueSize sets the bounded queue capacity.
func WithQueueSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.queueSize = size
		}
	}
}

// WithTimeout bounds each OnEvent call.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager starts a manager delivering to plugins.
func NewManager(plugins []Plugin, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		plugins:   plugins,
		log:       log,
		queueSize: defaultQueueSize,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queue = make(chan Event, m.queueSize)
	m.done = make(chan struct{})
	go m.run()
	return m
}

// Emit enqueues e without blocking. Events emitted after Close, or while
// the queue is full, are dropped and counted.
func (m *Manager) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.queue <- e:
	default:
		m.dropped.Add(1)
	}
}

// Close stops accepting events, drains the queue and closes every plugin.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-ctx.Done():
		return fmt.Errorf("draining plugin events: %w", ctx.Err())
	}

	var errs []error
	for _, p := range m.plugins {
		if err := m.closePlugin(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("closing plugin %s: %w", p.Name(), err))
		}
	}
	if n := m.dropped.Load(); n > 0 {
		m.log.Warn("plugin events dropped", zap.Uint64("dropped", n))
	}
	return errors.Join(errs...)
}

// Stats returns delivered, dropped and failed counts.
func (m *Manager) Stats() (delivered, dropped, failed uint64) {
	return m.delivered.Load(), m.dropped.Load(), m.failed.Load()
}

func (m *Manager) run() {
	defer close(m.done)
	for e := range m.queue {
		for _, p := range m.plugins {
			m.deliver(p, e)
		}
	}
}

func (m *Manager) deliver(p Plugin, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.failed.Add(1)
			m.log.Error("plugin panicked",
				zap.String("plugin", p.Name()),
				zap.String("event", string(e.Kind)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := p.OnEvent(ctx, e); err != nil {
		m.failed.Add(1)
		m.log.Warn("plugin failed to handle event",
			zap.String("plugin", p.Name()),
			zap.String("event", string(e.Kind)),
			zap.String("package", e.Package),
			zap.Error(err))
		return
	}
	m.delivered.Add(1)
}

func (m *Manager) closePlugin(ctx context.Context, p Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Close(ctx)
}
