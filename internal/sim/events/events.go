package events

import (
	"log"
	"sync"
	"time"
)

type Kind string

const (
	RegionLoaded       Kind = "region_loaded"
	RegionUnloaded     Kind = "region_unloaded"
	RegionLoadProgress Kind = "region_load_progress"
	RegionLoadFailed   Kind = "region_load_failed"
	RegionEvicted      Kind = "region_evicted"
)

type Event struct {
	Kind     Kind      `json:"kind"`
	RegionID string    `json:"region_id"`
	Fraction float64   `json:"fraction,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher is what the schedulers need from a bus.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to listeners without any business logic.
// Listeners run synchronously on the publishing goroutine and must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Event)
	order  []uint64
	log    *log.Logger
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]func(Event){}}
}

// SetLogger makes the bus report recovered listener panics to l. nil
// silences them.
func (b *Bus) SetLogger(l *log.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = l
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev once to every listener registered at call time.
// A panicking listener does not prevent delivery to the others.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	logger := b.log
	b.mu.RUnlock()

	for _, fn := range fns {
		deliver(logger, fn, ev)
	}
}

func deliver(logger *log.Logger, fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Printf("event bus: listener panic on %s %s: %v", ev.Kind, ev.RegionID, r)
		}
	}()
	fn(ev)
}
