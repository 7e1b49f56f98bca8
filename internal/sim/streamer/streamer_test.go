package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"regionstream.ai/internal/sim/events"
	"regionstream.ai/internal/sim/observer"
	"regionstream.ai/internal/sim/region"
)

type memProvider struct {
	mu       sync.Mutex
	next     int
	live     map[region.Handle]bool
	loads    atomic.Int32
	unloads  atomic.Int32
	failRefs map[string]bool
}

func newMemProvider() *memProvider {
	return &memProvider{live: map[region.Handle]bool{}, failRefs: map[string]bool{}}
}

func (p *memProvider) Load(ctx context.Context, ref string, progress func(float64)) ([]region.Handle, error) {
	p.loads.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRefs[ref] {
		return nil, errors.New("corrupt pack")
	}
	progress(0.5)
	var out []region.Handle
	for i := 0; i < 2; i++ {
		p.next++
		h := region.Handle(fmt.Sprintf("%s#%d", ref, p.next))
		p.live[h] = true
		out = append(out, h)
	}
	return out, nil
}

func (p *memProvider) Unload(ctx context.Context, handles []region.Handle) error {
	p.unloads.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range handles {
		delete(p.live, h)
	}
	return nil
}

func (p *memProvider) liveHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

type usage struct{ v atomic.Uint64 }

func (u *usage) UsageBytes() (uint64, error) { return u.v.Load(), nil }

type fixture struct {
	svc  *Service
	prov *memProvider
	pos  *observer.Tracker
	mem  *usage
}

func newFixture(t *testing.T, cfg Config, specs ...region.Spec) *fixture {
	t.Helper()
	reg := region.NewRegistry()
	for _, sp := range specs {
		if err := reg.Register(sp); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	f := &fixture{prov: newMemProvider(), pos: observer.NewTracker(region.Vec3{}), mem: &usage{}}
	svc, err := New(cfg, Deps{Registry: reg, Provider: f.prov, Position: f.pos, Memory: f.mem})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	f.svc = svc
	t.Cleanup(svc.Close)
	return f
}

func spec(id string, x float64) region.Spec {
	return region.Spec{ID: id, ResourceRef: id, Center: region.Vec3{X: x}, PreloadDistance: 100, UnloadHysteresis: 20}
}

func (f *fixture) waitState(t *testing.T, id string, want region.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d, _ := f.svc.Registry().Get(id); d.State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := f.svc.State(id)
	t.Fatalf("%s state=%v want %v", id, st, want)
}

func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	for _, d := range f.svc.Regions() {
		if (d.State == region.Loaded) != (len(d.Handles) > 0) {
			t.Fatalf("%s: state=%v handles=%d", d.ID, d.State, len(d.Handles))
		}
		loading, unloading := f.svc.InFlight(d.ID)
		switch d.State {
		case region.Preloading:
			if !loading || unloading {
				t.Fatalf("%s Preloading but loading=%v unloading=%v", d.ID, loading, unloading)
			}
		case region.Unloading:
			if loading || !unloading {
				t.Fatalf("%s Unloading but loading=%v unloading=%v", d.ID, loading, unloading)
			}
		}
	}
}

func TestService_HysteresisNoThrash(t *testing.T) {
	f := newFixture(t, Config{UnloadDebounce: time.Hour}, spec("r", 0))

	f.svc.Tick(time.Now())
	f.waitState(t, "r", region.Loaded)

	for i := 0; i < 20; i++ {
		d := 105.0
		if i%2 == 1 {
			d = 115
		}
		f.pos.Set(region.Vec3{X: d})
		rep := f.svc.Tick(time.Now())
		if !rep.Empty() {
			t.Fatalf("step %d at %v: unexpected activity %+v", i, d, rep)
		}
	}
	if got := f.prov.loads.Load(); got != 1 {
		t.Fatalf("loads=%d want 1", got)
	}

	f.pos.Set(region.Vec3{X: 121})
	rep := f.svc.Tick(time.Now())
	if len(rep.Unloads) != 1 || rep.Unloads[0] != "r" {
		t.Fatalf("expected unload past the band, got %+v", rep)
	}
	f.checkInvariants(t)
}

func TestService_DebounceCancelledByReturn(t *testing.T) {
	f := newFixture(t, Config{UnloadDebounce: time.Hour}, spec("r", 0))
	f.svc.Tick(time.Now())
	f.waitState(t, "r", region.Loaded)
	before, _ := f.svc.Registry().Get("r")

	f.pos.Set(region.Vec3{X: 500})
	f.svc.Tick(time.Now())
	if st, _ := f.svc.State("r"); st != region.Unloading {
		t.Fatalf("state=%v want Unloading", st)
	}

	f.pos.Set(region.Vec3{X: 50})
	rep := f.svc.Tick(time.Now())
	if len(rep.Reclaimed) != 1 {
		t.Fatalf("expected reclaim, got %+v", rep)
	}
	after, _ := f.svc.Registry().Get("r")
	if after.State != region.Loaded || len(after.Handles) != len(before.Handles) {
		t.Fatalf("unexpected descriptor %+v", after)
	}
	for i := range before.Handles {
		if after.Handles[i] != before.Handles[i] {
			t.Fatalf("handles changed: %v -> %v", before.Handles, after.Handles)
		}
	}
	if f.prov.unloads.Load() != 0 {
		t.Fatalf("provider unload must never be called")
	}
	if f.prov.loads.Load() != 1 {
		t.Fatalf("reclaim must not reload")
	}
}

func TestService_ConcurrencyCapAllEventuallyLoad(t *testing.T) {
	var specs []region.Spec
	for i := 0; i < 5; i++ {
		specs = append(specs, spec(fmt.Sprintf("r%d", i), float64(i)))
	}
	f := newFixture(t, Config{MaxConcurrentLoads: 2}, specs...)
	rep := f.svc.Tick(time.Now())
	if len(rep.Loads) != 5 {
		t.Fatalf("loads accepted=%d want 5", len(rep.Loads))
	}
	if st := f.svc.Stats(); st.LoadsInFlight > 2 {
		t.Fatalf("in flight=%d want <= 2", st.LoadsInFlight)
	}
	for _, sp := range specs {
		f.waitState(t, sp.ID, region.Loaded)
	}
	f.checkInvariants(t)
}

func TestService_MemoryPressureEvictsFarthest(t *testing.T) {
	mk := func(id string, x float64) region.Spec {
		s := spec(id, x)
		s.PreloadDistance = 1000
		return s
	}
	f := newFixture(t, Config{UnloadDebounce: time.Hour, MemoryThresholdBytes: 1000, EvictionBatchSize: 1},
		mk("d50", 50), mk("d200", 200), mk("d800", 800))

	var evicted []string
	var mu sync.Mutex
	f.svc.Bus().Subscribe(func(ev events.Event) {
		if ev.Kind == events.RegionEvicted {
			mu.Lock()
			evicted = append(evicted, ev.RegionID)
			mu.Unlock()
		}
	})

	f.svc.Tick(time.Now())
	for _, id := range []string{"d50", "d200", "d800"} {
		f.waitState(t, id, region.Loaded)
	}

	f.mem.v.Store(5000)
	rep := f.svc.Tick(time.Now())
	if len(rep.Evicted) != 1 || rep.Evicted[0] != "d800" {
		t.Fatalf("evicted=%v want [d800]", rep.Evicted)
	}
	// Eviction bypasses the debounce even though d800 is within preload distance.
	f.waitState(t, "d800", region.Unloaded)
	if !f.svc.IsLoaded("d50") || !f.svc.IsLoaded("d200") {
		t.Fatalf("nearer regions must stay loaded")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "d800" {
		t.Fatalf("evicted events=%v", evicted)
	}
}

func TestService_RoundTrip(t *testing.T) {
	f := newFixture(t, Config{UnloadDebounce: time.Hour}, spec("far", 10000))
	initial, _ := f.svc.Registry().Get("far")

	for i := 0; i < 5; i++ {
		changed, err := f.svc.ForceLoad("far")
		if err != nil || !changed {
			t.Fatalf("force load %d: changed=%v err=%v", i, changed, err)
		}
		f.waitState(t, "far", region.Loaded)
		changed, err = f.svc.ForceUnload("far")
		if err != nil || !changed {
			t.Fatalf("force unload %d: changed=%v err=%v", i, changed, err)
		}
		f.waitState(t, "far", region.Unloaded)

		d, _ := f.svc.Registry().Get("far")
		if d.State != initial.State || len(d.Handles) != 0 {
			t.Fatalf("round trip %d left %+v", i, d)
		}
	}
	if f.prov.liveHandles() != 0 {
		t.Fatalf("provider still holds %d handles", f.prov.liveHandles())
	}
}

func TestService_UnknownRegion(t *testing.T) {
	f := newFixture(t, Config{}, spec("r", 0))
	if _, err := f.svc.ForceLoad("nope"); !errors.Is(err, region.ErrUnknownRegion) {
		t.Fatalf("force load: %v", err)
	}
	if _, err := f.svc.ForceUnload("nope"); !errors.Is(err, region.ErrUnknownRegion) {
		t.Fatalf("force unload: %v", err)
	}
	if _, err := f.svc.State("nope"); !errors.Is(err, region.ErrUnknownRegion) {
		t.Fatalf("state: %v", err)
	}
	if f.svc.IsLoaded("nope") || f.svc.LoadProgress("nope") != 0 {
		t.Fatalf("unknown region must read as not loaded")
	}
}

func TestService_FailedLoadRetriesNextTick(t *testing.T) {
	f := newFixture(t, Config{}, spec("bad", 0))
	f.prov.mu.Lock()
	f.prov.failRefs["bad"] = true
	f.prov.mu.Unlock()

	for i := 0; i < 3; i++ {
		rep := f.svc.Tick(time.Now())
		if len(rep.Loads) != 1 {
			t.Fatalf("tick %d: expected a fresh load attempt, got %+v", i, rep)
		}
		f.waitState(t, "bad", region.Unloaded)
		deadline := time.Now().Add(5 * time.Second)
		for {
			if loading, _ := f.svc.InFlight("bad"); !loading {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("load never released its slot")
			}
			time.Sleep(time.Millisecond)
		}
	}
	if got := f.prov.loads.Load(); got != 3 {
		t.Fatalf("loads=%d want 3", got)
	}
	f.checkInvariants(t)
}

func TestService_RunStopsAndDrains(t *testing.T) {
	f := newFixture(t, Config{TickInterval: 5 * time.Millisecond}, spec("r", 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	f.waitState(t, "r", region.Loaded)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if st, _ := f.svc.State("r"); st != region.Unloaded {
		t.Fatalf("state=%v want Unloaded after drain", st)
	}
	if f.svc.CurrentTick() == 0 {
		t.Fatalf("expected ticks to advance")
	}
}

type tickSink struct {
	mu   sync.Mutex
	reps []TickReport
}

func (s *tickSink) WriteTick(r TickReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reps = append(s.reps, r)
	return nil
}

func TestService_TickLoggerSkipsIdleTicks(t *testing.T) {
	f := newFixture(t, Config{}, spec("r", 0))
	sink := &tickSink{}
	f.svc.SetTickLogger(sink)

	f.svc.Tick(time.Now())
	f.waitState(t, "r", region.Loaded)
	f.svc.Tick(time.Now())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.reps) != 1 || len(sink.reps[0].Loads) != 1 {
		t.Fatalf("tick reports=%+v", sink.reps)
	}
}
