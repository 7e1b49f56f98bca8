package loadsched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"regionstream.ai/internal/sim/events"
	"regionstream.ai/internal/sim/region"
)

// Loader materializes a region's content. progress may be called with values
// in [0,1] from any goroutine until Load returns.
type Loader interface {
	Load(ctx context.Context, ref string, progress func(float64)) ([]region.Handle, error)
}

// Releaser is implemented by loaders that can give handles back. It is used
// to release a load whose result can no longer be attached.
type Releaser interface {
	Unload(ctx context.Context, handles []region.Handle) error
}

// Config bounds the scheduler. MaxConcurrent below 1 is treated as 1.
type Config struct {
	MaxConcurrent int
	// Timeout bounds every provider call. Zero means no timeout.
	Timeout time.Duration
}

type tracked struct {
	progress float64
	running  bool
}

// Scheduler brings regions from Unloaded to Loaded with at most
// cfg.MaxConcurrent provider calls in flight. Extra accepted requests wait
// in FIFO order.
type Scheduler struct {
	reg      *region.Registry
	provider Loader
	bus      events.Publisher
	log      *log.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []string
	track   map[string]*tracked
	running int
	closed  bool

	wg sync.WaitGroup
}

// New returns a scheduler that loads through provider and publishes to bus.
// bus and logger may be nil.
func New(reg *region.Registry, provider Loader, bus events.Publisher, logger *log.Logger, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
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
		track:    map[string]*tracked{},
	}
}

// Submit accepts a load request if the region is Unloaded and no earlier
// load of it is still settling. Otherwise the request is dropped (false).
func (s *Scheduler) Submit(req region.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.track[req.RegionID] != nil {
		return false
	}
	if !s.reg.Transition(req.RegionID, region.Unloaded, region.Preloading) {
		return false
	}
	s.track[req.RegionID] = &tracked{}
	s.queue = append(s.queue, req.RegionID)
	s.dispatchLocked()
	return true
}

func (s *Scheduler) dispatchLocked() {
	for s.running < s.cfg.MaxConcurrent && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		t := s.track[id]
		if t == nil {
			continue
		}
		t.running = true
		s.running++
		s.wg.Add(1)
		go s.run(id)
	}
}

func (s *Scheduler) run(id string) {
	defer s.wg.Done()

	d, ok := s.reg.Get(id)
	if !ok {
		s.finish(id)
		return
	}

	s.publish(events.Event{Kind: events.RegionLoadProgress, RegionID: id, Fraction: 0})

	ctx := s.ctx
	var cancel context.CancelFunc = func() {}
	if s.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	}
	handles, err := s.call(ctx, d.ResourceRef, func(f float64) { s.progress(id, f) })
	cancel()
	if err == nil && len(handles) == 0 {
		err = errors.New("provider returned no handles")
	}

	if err != nil {
		perr := &region.ProviderError{Op: "load", RegionID: id, Err: err}
		s.settle(id, nil)
		s.log.Printf("load %s failed (retry on next tick): %v", id, err)
		s.publish(events.Event{Kind: events.RegionLoadFailed, RegionID: id, Error: perr.Error()})
		return
	}

	s.progress(id, 1)
	if !s.settle(id, handles) {
		s.log.Printf("load %s: region left Preloading during load; releasing %d handles", id, len(handles))
		s.release(id, handles)
		return
	}
	s.publish(events.Event{Kind: events.RegionLoaded, RegionID: id})
}

// settle moves id out of Preloading and frees its slot in one critical
// section, so a concurrent Submit sees either the old load or none. nil
// handles revert to Unloaded; otherwise the handles are attached and the
// result reports whether that succeeded.
func (s *Scheduler) settle(id string, handles []region.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := false
	if handles == nil {
		s.reg.Transition(id, region.Preloading, region.Unloaded)
	} else {
		ok = s.reg.Attach(id, region.Preloading, handles)
	}
	s.finishLocked(id)
	return ok
}

// release hands back handles that could not be attached, best-effort.
func (s *Scheduler) release(id string, handles []region.Handle) {
	rel, ok := s.provider.(Releaser)
	if !ok {
		s.log.Printf("load %s: provider cannot release; %d handles leaked", id, len(handles))
		return
	}
	ctx := context.Background()
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("provider panic: %v", r)
			}
		}()
		return rel.Unload(ctx, handles)
	}()
	if err != nil {
		perr := &region.ProviderError{Op: "unload", RegionID: id, Err: err}
		s.log.Printf("warning: %v (%d handles may have leaked)", perr, len(handles))
	}
}

func (s *Scheduler) call(ctx context.Context, ref string, progress func(float64)) (handles []region.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			handles = nil
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return s.provider.Load(ctx, ref, progress)
}

// progress records f for id and emits it if it strictly increases.
func (s *Scheduler) progress(id string, f float64) {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	s.mu.Lock()
	t := s.track[id]
	if t == nil || f <= t.progress {
		s.mu.Unlock()
		return
	}
	t.progress = f
	s.mu.Unlock()
	s.publish(events.Event{Kind: events.RegionLoadProgress, RegionID: id, Fraction: f})
}

func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(id)
}

func (s *Scheduler) finishLocked(id string) {
	if t := s.track[id]; t != nil && t.running {
		s.running--
	}
	delete(s.track, id)
	if !s.closed {
		s.dispatchLocked()
	}
}

func (s *Scheduler) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// Progress returns the load fraction of id while it is queued or running.
func (s *Scheduler) Progress(id string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.track[id]
	if t == nil {
		return 0, false
	}
	return t.progress, true
}

// Tracking reports whether id is queued or running here.
func (s *Scheduler) Tracking(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track[id] != nil
}

// InFlight is the number of provider calls currently running.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pending is the number of accepted requests waiting for a slot.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close cancels running loads, reverts queued ones and waits.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	for _, id := range queued {
		delete(s.track, id)
		s.reg.Transition(id, region.Preloading, region.Unloaded)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
