package backup

import (
	"context"
	"sync"
)

// Guard keeps the process alive while protected work is in flight. Begin
// returns a release func; calling it more than once is harmless.
type Guard interface {
	Begin(name string) (release func())
}

// NopGuard protects nothing.
type NopGuard struct{}

func (NopGuard) Begin(string) func() { return func() {} }

// ShutdownGuard counts in-flight operations so shutdown can wait for them.
type ShutdownGuard struct {
	mu     sync.Mutex
	active map[string]int
	idle   chan struct{}
}

// NewShutdownGuard returns a guard with nothing in flight.
func NewShutdownGuard() *ShutdownGuard {
	idle := make(chan struct{})
	close(idle)
	return &ShutdownGuard{active: make(map[string]int), idle: idle}
}

func (g *ShutdownGuard) Begin(name string) func() {
	g.mu.Lock()
	if g.count() == 0 {
		g.idle = make(chan struct{})
	}
	g.active[name]++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.active[name]--
			if g.active[name] <= 0 {
				delete(g.active, name)
			}
			if g.count() == 0 {
				close(g.idle)
			}
		})
	}
}

func (g *ShutdownGuard) count() int {
	n := 0
	for _, c := range g.active {
		n += c
	}
	return n
}

// Active returns the names of operations currently protected.
func (g *ShutdownGuard) Active() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.active))
	for name := range g.active {
		names = append(names, name)
	}
	return names
}

// Wait blocks until nothing is protected or ctx is done.
func (g *ShutdownGuard) Wait(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
