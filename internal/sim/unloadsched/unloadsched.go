package unloadsched

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"regionstream.ai/internal/sim/events"
	"regionstream.ai/internal/sim/region"
)

// Releaser gives a loaded region's resources back to the provider.
type Releaser interface {
	Unload(ctx context.Context, handles []region.Handle) error
}

type Config struct {
	// Debounce delays execution so a contradicting load can cancel it.
	Debounce time.Duration
	// Timeout bounds every provider call. Zero means no timeout.
	Timeout time.Duration
	// AfterUnload runs after a region reaches Unloaded (compaction hook).
	AfterUnload func(regionID string)
}

type pending struct {
	handles   []region.Handle
	timer     *time.Timer
	executing bool
}

// Scheduler releases Loaded regions. Unlike loads, unloads are not
// concurrency-limited; a provider that needs serialization must do it itself.
type Scheduler struct {
	reg      *region.Registry
	provider Releaser
	bus      events.Publisher
	log      *log.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	wg sync.WaitGroup
}

// New returns a scheduler that releases through provider. bus and logger may be nil.
func New(reg *region.Registry, provider Releaser, bus events.Publisher, logger *log.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		reg:      reg,
		provider: provider,
		bus:      bus,
		log:      logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[string]*pending{},
	}
}

// Submit accepts an unload if the region is Loaded. With immediate set (or
// no debounce configured) the unload executes right away; otherwise it waits
// cfg.Debounce and may be cancelled by Cancel.
func (s *Scheduler) Submit(req region.Request, immediate bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	handles, ok := s.reg.Detach(req.RegionID, region.Unloading)
	if !ok {
		return false
	}
	p := &pending{handles: handles}
	s.pending[req.RegionID] = p
	id := req.RegionID
	if immediate || s.cfg.Debounce <= 0 {
		p.executing = true
		s.wg.Add(1)
		go s.execute(id, p)
		return true
	}
	p.timer = time.AfterFunc(s.cfg.Debounce, func() { s.fire(id, p) })
	return true
}

// Expedite skips the remaining debounce of a pending unload.
func (s *Scheduler) Expedite(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	if p == nil || p.executing || s.closed {
		return false
	}
	if p.timer != nil && !p.timer.Stop() {
		// Timer already fired; fire() will run it.
		return true
	}
	p.executing = true
	s.wg.Add(1)
	go s.execute(id, p)
	return true
}

// Cancel aborts a pending unload that has not started executing and returns
// the region to Loaded with its original handles. The provider is never called.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	if p == nil || p.executing {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.pending, id)
	if !s.reg.Attach(id, region.Unloading, p.handles) {
		s.log.Printf("unload %s: cancel could not restore Loaded", id)
		return false
	}
	return true
}

func (s *Scheduler) fire(id string, p *pending) {
	s.mu.Lock()
	if s.pending[id] != p || p.executing || s.closed {
		s.mu.Unlock()
		return
	}
	p.executing = true
	s.wg.Add(1)
	s.mu.Unlock()
	s.execute(id, p)
}

func (s *Scheduler) execute(id string, p *pending) {
	defer s.wg.Done()

	ctx := s.ctx
	var cancel context.CancelFunc = func() {}
	if s.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	}
	err := s.call(ctx, p.handles)
	cancel()
	if err != nil {
		perr := &region.ProviderError{Op: "unload", RegionID: id, Err: err}
		s.log.Printf("warning: %v (%d handles may have leaked)", perr, len(p.handles))
	}

	s.mu.Lock()
	if s.pending[id] == p {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	// Resources are released best-effort: the region always ends Unloaded.
	s.reg.Transition(id, region.Unloading, region.Unloaded)
	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.RegionUnloaded, RegionID: id})
	}
	if s.cfg.AfterUnload != nil {
		s.cfg.AfterUnload(id)
	}
}

func (s *Scheduler) call(ctx context.Context, handles []region.Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return s.provider.Unload(ctx, handles)
}

// Pending is the number of unloads waiting out their debounce or executing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Tracking reports whether id has a pending or executing unload.
func (s *Scheduler) Tracking(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id] != nil
}

// Close executes every debounced unload immediately and waits for all
// unloads to finish, so no handle is left parked in the scheduler.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var flush []string
	for id, p := range s.pending {
		if p.executing {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		p.executing = true
		s.wg.Add(1)
		flush = append(flush, id)
	}
	s.closed = true
	ps := make([]*pending, 0, len(flush))
	for _, id := range flush {
		ps = append(ps, s.pending[id])
	}
	s.mu.Unlock()

	for i, id := range flush {
		go s.execute(id, ps[i])
	}
	s.wg.Wait()
	s.cancel()
}
