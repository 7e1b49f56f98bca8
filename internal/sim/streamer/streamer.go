package streamer

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"regionstream.ai/internal/sim/events"
	"regionstream.ai/internal/sim/loadsched"
	"regionstream.ai/internal/sim/pressure"
	"regionstream.ai/internal/sim/proximity"
	"regionstream.ai/internal/sim/region"
	"regionstream.ai/internal/sim/unloadsched"
)

// Provider materializes and releases region content.
type Provider interface {
	loadsched.Loader
	unloadsched.Releaser
}

type PositionSource interface {
	CurrentPosition() region.Vec3
}

type TickLogger interface {
	WriteTick(r TickReport) error
}

type Config struct {
	TickInterval         time.Duration
	MaxConcurrentLoads   int
	UnloadDebounce       time.Duration
	MemoryThresholdBytes uint64
	EvictionBatchSize    int
	ProviderTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       100 * time.Millisecond,
		MaxConcurrentLoads: 2,
		UnloadDebounce:     2 * time.Second,
		EvictionBatchSize:  1,
		ProviderTimeout:    30 * time.Second,
	}
}

type Deps struct {
	Registry *region.Registry
	Provider Provider
	Position PositionSource
	// Memory may be nil; the pressure monitor is then disabled.
	Memory pressure.Source
	Bus    *events.Bus
	Logger *log.Logger
	// AfterUnload is the post-unload compaction hook. Optional.
	AfterUnload func(regionID string)
}

type TickReport struct {
	Tick     uint64      `json:"tick"`
	At       time.Time   `json:"at"`
	Position region.Vec3 `json:"position"`
	Loads    []string    `json:"loads,omitempty"`
	Unloads  []string    `json:"unloads,omitempty"`
	// Reclaimed are pending unloads cancelled by a contradicting load.
	Reclaimed  []string `json:"reclaimed,omitempty"`
	Evicted    []string `json:"evicted,omitempty"`
	UsageBytes uint64   `json:"usage_bytes,omitempty"`
}

// Empty reports whether the tick changed nothing.
func (r TickReport) Empty() bool {
	return len(r.Loads) == 0 && len(r.Unloads) == 0 && len(r.Reclaimed) == 0 && len(r.Evicted) == 0
}

type Stats struct {
	Tick          uint64 `json:"tick"`
	Regions       int    `json:"regions"`
	Loaded        int    `json:"loaded"`
	Preloading    int    `json:"preloading"`
	Unloading     int    `json:"unloading"`
	LoadsInFlight int    `json:"loads_in_flight"`
	LoadsQueued   int    `json:"loads_queued"`
	UnloadsQueued int    `json:"unloads_pending"`
}

// Service streams regions in and out around a moving observer.
// Tick is the single coordinating step; schedulers do all state mutation.
type Service struct {
	cfg      Config
	reg      *region.Registry
	position PositionSource
	bus      *events.Bus
	log      *log.Logger

	loads   *loadsched.Scheduler
	unloads *unloadsched.Scheduler
	monitor *pressure.Monitor

	tickLogger TickLogger

	tick     atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("streamer: registry is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("streamer: provider is required")
	}
	if deps.Position == nil {
		return nil, fmt.Errorf("streamer: position source is required")
	}
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = def.MaxConcurrentLoads
	}
	if cfg.UnloadDebounce < 0 {
		cfg.UnloadDebounce = 0
	}
	if cfg.EvictionBatchSize <= 0 {
		cfg.EvictionBatchSize = def.EvictionBatchSize
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
		deps.Bus.SetLogger(deps.Logger)
	}

	s := &Service{
		cfg:      cfg,
		reg:      deps.Registry,
		position: deps.Position,
		bus:      deps.Bus,
		log:      deps.Logger,
		stop:     make(chan struct{}),
	}
	s.loads = loadsched.New(deps.Registry, deps.Provider, deps.Bus, deps.Logger, loadsched.Config{
		MaxConcurrent: cfg.MaxConcurrentLoads,
		Timeout:       cfg.ProviderTimeout,
	})
	s.unloads = unloadsched.New(deps.Registry, deps.Provider, deps.Bus, deps.Logger, unloadsched.Config{
		Debounce:    cfg.UnloadDebounce,
		Timeout:     cfg.ProviderTimeout,
		AfterUnload: deps.AfterUnload,
	})
	s.monitor = pressure.New(deps.Memory, pressure.Config{
		ThresholdBytes: cfg.MemoryThresholdBytes,
		BatchSize:      cfg.EvictionBatchSize,
	})
	return s, nil
}

func (s *Service) SetTickLogger(l TickLogger) { s.tickLogger = l }

func (s *Service) Config() Config             { return s.cfg }
func (s *Service) Bus() *events.Bus           { return s.bus }
func (s *Service) Registry() *region.Registry { return s.reg }
func (s *Service) CurrentTick() uint64        { return s.tick.Load() }

// Tick runs one proximity pass followed by the memory pressure pass.
// It never waits for provider work to complete.
func (s *Service) Tick(now time.Time) TickReport {
	pos := s.position.CurrentPosition()
	rep := TickReport{Tick: s.tick.Load(), At: now, Position: pos}

	for _, req := range proximity.Evaluate(pos, s.reg.All(), now) {
		switch req.Kind {
		case region.KindLoad:
			if s.unloads.Cancel(req.RegionID) {
				rep.Reclaimed = append(rep.Reclaimed, req.RegionID)
				continue
			}
			if s.loads.Submit(req) {
				rep.Loads = append(rep.Loads, req.RegionID)
			}
		case region.KindUnload:
			if s.unloads.Submit(req, false) {
				rep.Unloads = append(rep.Unloads, req.RegionID)
			}
		}
	}

	v, err := s.monitor.Check(pos, s.reg.All())
	if err != nil {
		s.log.Printf("memory pressure: sample failed: %v", err)
	}
	rep.UsageBytes = v.UsageBytes
	for _, id := range v.Evict {
		if s.unloads.Submit(region.Request{RegionID: id, Kind: region.KindUnload, EnqueuedAt: now}, true) {
			rep.Evicted = append(rep.Evicted, id)
			s.bus.Publish(events.Event{Kind: events.RegionEvicted, RegionID: id, At: now})
		}
	}
	if len(rep.Evicted) > 0 {
		s.log.Printf("memory pressure: usage=%d threshold=%d evicted=%v", v.UsageBytes, s.cfg.MemoryThresholdBytes, rep.Evicted)
	}

	if s.tickLogger != nil && !rep.Empty() {
		if err := s.tickLogger.WriteTick(rep); err != nil {
			s.log.Printf("tick log: %v", err)
		}
	}
	s.tick.Add(1)
	return rep
}

// Run ticks every cfg.TickInterval until ctx is done or Stop is called,
// then drains both schedulers.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

func (s *Service) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

// Close cancels in-flight loads and drains every region back to Unloaded.
func (s *Service) Close() {
	s.loads.Close()
	now := time.Now()
	for _, d := range s.reg.All() {
		if d.State == region.Loaded {
			s.unloads.Submit(region.Request{RegionID: d.ID, Kind: region.KindUnload, EnqueuedAt: now}, true)
		}
	}
	s.unloads.Close()
}

func (s *Service) IsLoaded(id string) bool {
	d, ok := s.reg.Get(id)
	return ok && d.State == region.Loaded
}

// LoadProgress is the load fraction of id, or 0 when no load is in flight.
func (s *Service) LoadProgress(id string) float64 {
	f, _ := s.loads.Progress(id)
	return f
}

func (s *Service) State(id string) (region.State, error) {
	d, ok := s.reg.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", region.ErrUnknownRegion, id)
	}
	return d.State, nil
}

func (s *Service) Regions() []region.Descriptor { return s.reg.All() }

// ForceLoad loads id regardless of distance. A pending unload is cancelled
// instead. It reports whether anything changed.
func (s *Service) ForceLoad(id string) (bool, error) {
	if _, ok := s.reg.Get(id); !ok {
		return false, fmt.Errorf("%w: %s", region.ErrUnknownRegion, id)
	}
	if s.unloads.Cancel(id) {
		return true, nil
	}
	return s.loads.Submit(region.Request{RegionID: id, Kind: region.KindLoad, EnqueuedAt: time.Now()}), nil
}

// ForceUnload unloads id immediately regardless of distance, skipping the
// debounce. It reports whether anything changed.
func (s *Service) ForceUnload(id string) (bool, error) {
	if _, ok := s.reg.Get(id); !ok {
		return false, fmt.Errorf("%w: %s", region.ErrUnknownRegion, id)
	}
	if s.unloads.Submit(region.Request{RegionID: id, Kind: region.KindUnload, EnqueuedAt: time.Now()}, true) {
		return true, nil
	}
	return s.unloads.Expedite(id), nil
}

func (s *Service) Stats() Stats {
	st := Stats{
		Tick:          s.tick.Load(),
		LoadsInFlight: s.loads.InFlight(),
		LoadsQueued:   s.loads.Pending(),
		UnloadsQueued: s.unloads.Pending(),
	}
	for _, d := range s.reg.All() {
		st.Regions++
		switch d.State {
		case region.Loaded:
			st.Loaded++
		case region.Preloading:
			st.Preloading++
		case region.Unloading:
			st.Unloading++
		}
	}
	return st
}

// InFlight reports whether a scheduler currently owns id.
func (s *Service) InFlight(id string) (loading, unloading bool) {
	return s.loads.Tracking(id), s.unloads.Tracking(id)
}
