package backup

import (
	"sync"
	"time"
)

// State is the backup state of one provider.
type State string

const (
	StateDisabled   State = "disabled"
	StateEnabled    State = "enabled"
	StateInProgress State = "in_progress"
	StateFailed     State = "failed"
)

// Status is a snapshot of a provider's backup state. Err holds the last
// failure until the next successful attempt.
type Status struct {
	Provider    string     `json:"provider"`
	State       State      `json:"state"`
	Progress    float64    `json:"progress"`
	Err         error      `json:"-"`
	Error       string     `json:"error,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

func (s Status) withErr(err error) Status {
	s.Err = err
	s.Error = ""
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// Subscription receives status snapshots until closed. A slow reader only
// ever misses intermediate snapshots; the latest one is always delivered.
type Subscription struct {
	C    <-chan Status
	ch   chan Status
	feed *statusFeed
	once sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.feed.remove(s) })
}

type statusFeed struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newStatusFeed() *statusFeed {
	return &statusFeed{subs: make(map[*Subscription]struct{})}
}

func (f *statusFeed) subscribe() *Subscription {
	ch := make(chan Status, 1)
	s := &Subscription{C: ch, ch: ch, feed: f}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

func (f *statusFeed) remove(s *Subscription) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

func (f *statusFeed) publish(st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		select {
		case s.ch <- st:
		default:
			// Replace the stale snapshot.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- st:
			default:
			}
		}
	}
}
