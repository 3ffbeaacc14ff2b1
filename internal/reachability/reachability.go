// Package reachability tracks whether the network is usable and tells
// interested parties when that changes.
package reachability

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Monitor holds the current connectivity state.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[*Subscription]struct{}

	probeAddr string
	interval  time.Duration
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Subscription delivers state changes until closed. C always holds the most
// recent state; stale values are overwritten, never queued.
type Subscription struct {
	C       <-chan bool
	ch      chan bool
	monitor *Monitor
	once    sync.Once
}

// New creates a monitor that starts out online. probeAddr may be empty, in
// which case the state only changes through Set.
func New(probeAddr string, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{}
	return &Monitor{
		online:    true,
		subs:      make(map[*Subscription]struct{}),
		probeAddr: probeAddr,
		interval:  interval,
		dial:      d.DialContext,
		logger:    logger,
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a new state and notifies subscribers if it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.logger.Info("reachability changed", "online", online)
	for s := range m.subs {
		deliver(s.ch, online)
	}
}

func deliver(ch chan bool, v bool) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe returns a handle that receives every state change.
func (m *Monitor) Subscribe() *Subscription {
	ch := make(chan bool, 1)
	s := &Subscription{C: ch, ch: ch, monitor: m}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.monitor.mu.Lock()
		delete(s.monitor.subs, s)
		s.monitor.mu.Unlock()
	})
}

// Start probes probeAddr every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.probeAddr == "" {
		return
	}
	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		m.probe(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Monitor) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.interval/2)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.probeAddr)
	if err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return
		}
		m.logger.Debug("reachability probe failed", "addr", m.probeAddr, "error", err)
		m.Set(false)
		return
	}
	conn.Close()
	m.Set(true)
}
