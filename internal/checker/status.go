package checker

import (
	"sync"
	"time"
)

// Status is the last known reachability of a service.
type Status int

const (
	StatusUnknown Status = iota
	StatusReachable
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusReachable:
		return "reachable"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Update is pushed to subscribers whenever a status is written.
type Update struct {
	Service string
	Status  Status
	At      time.Time
}

// Board holds the current status of every service. It is safe for
// concurrent use.
type Board struct {
	mu      sync.RWMutex
	entries map[string]Status
	subs    map[int]chan Update
	nextSub int
}

// NewBoard creates a board with every name at StatusUnknown.
func NewBoard(names ...string) *Board {
	b := &Board{subs: make(map[int]chan Update)}
	b.Reset(names)
	return b
}

// Reset drops all entries and starts names over at StatusUnknown.
func (b *Board) Reset(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]Status, len(names))
	for _, n := range names {
		b.entries[n] = StatusUnknown
	}
}

// Set records a status and notifies subscribers. Slow subscribers miss
// updates rather than block the writer.
func (b *Board) Set(name string, s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[name] = s

	u := Update{Service: name, Status: s, At: time.Now()}
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Get returns the status of name, StatusUnknown if never seen.
func (b *Board) Get(name string) Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[name]
}

// Snapshot returns a copy of all entries.
func (b *Board) Snapshot() map[string]Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Status, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

// Subscribe returns a channel of updates and a function that ends the
// subscription and closes the channel.
func (b *Board) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
