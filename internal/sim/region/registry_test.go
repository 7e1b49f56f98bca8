package region

import (
	"errors"
	"sync"
	"testing"
)

func testSpec(id string) Spec {
	return Spec{ID: id, ResourceRef: id, PreloadDistance: 100, UnloadHysteresis: 20}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testSpec("a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(testSpec("a"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d want 1", r.Len())
	}
}

func TestRegistry_RegisterRejectsMalformedThresholds(t *testing.T) {
	r := NewRegistry()
	bad := testSpec("a")
	bad.UnloadHysteresis = -1
	if err := r.Register(bad); err == nil {
		t.Fatalf("expected negative hysteresis to be rejected")
	}
	bad = testSpec("b")
	bad.PreloadDistance = 0
	if err := r.Register(bad); err == nil {
		t.Fatalf("expected zero preload distance to be rejected")
	}
	if r.Len() != 0 {
		t.Fatalf("rejected specs must not be registered")
	}
}

func TestRegistry_TransitionCAS(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(testSpec("a"))

	if !r.Transition("a", Unloaded, Preloading) {
		t.Fatalf("expected Unloaded->Preloading")
	}
	if r.Transition("a", Unloaded, Preloading) {
		t.Fatalf("second CAS from Unloaded must fail")
	}
	if r.Transition("missing", Unloaded, Preloading) {
		t.Fatalf("unknown id must not transition")
	}
	if r.Transition("a", Preloading, Loaded) {
		t.Fatalf("Transition must refuse entering Loaded")
	}
	if r.Attach("a", Preloading, nil) {
		t.Fatalf("Attach must refuse an empty handle set")
	}
	if !r.Attach("a", Preloading, []Handle{"h1", "h2"}) {
		t.Fatalf("expected Preloading->Loaded")
	}
	d, _ := r.Get("a")
	if d.State != Loaded || len(d.Handles) != 2 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}

	h, ok := r.Detach("a", Unloading)
	if !ok || len(h) != 2 {
		t.Fatalf("detach: ok=%v handles=%v", ok, h)
	}
	d, _ = r.Get("a")
	if d.State != Unloading || len(d.Handles) != 0 {
		t.Fatalf("handles must be empty outside Loaded: %+v", d)
	}
	if !r.Transition("a", Unloading, Unloaded) {
		t.Fatalf("expected Unloading->Unloaded")
	}
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(testSpec("a"))
	_ = r.Register(testSpec("b"))
	r.Transition("a", Unloaded, Preloading)
	r.Attach("a", Preloading, []Handle{"h"})

	all := r.All()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Fatalf("expected registration order, got %+v", all)
	}
	all[0].Handles[0] = "mutated"
	d, _ := r.Get("a")
	if d.Handles[0] != "h" {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}

func TestRegistry_ConcurrentTransitionSingleWinner(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(testSpec("a"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Transition("a", Unloaded, Preloading) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d want 1", wins)
	}
}

func TestSpec_UnloadDistance(t *testing.T) {
	s := testSpec("a")
	if got := s.UnloadDistance(); got != 120 {
		t.Fatalf("unload distance=%v want 120", got)
	}
	if got := (Vec3{X: 3, Y: 4}).Dist(Vec3{}); got != 5 {
		t.Fatalf("dist=%v want 5", got)
	}
}
