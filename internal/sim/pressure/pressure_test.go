package pressure

import (
	"errors"
	"testing"

	"regionstream.ai/internal/sim/region"
)

type fixedSource struct {
	v   uint64
	err error
}

func (f fixedSource) UsageBytes() (uint64, error) { return f.v, f.err }

func loaded(id string, x float64) region.Descriptor {
	return region.Descriptor{
		Spec:  region.Spec{ID: id, Center: region.Vec3{X: x}, PreloadDistance: 1000},
		State: region.Loaded,
	}
}

func TestMonitor_EvictsFarthest(t *testing.T) {
	m := New(fixedSource{v: 2048}, Config{ThresholdBytes: 1024, BatchSize: 1})
	regions := []region.Descriptor{loaded("near", 50), loaded("mid", 200), loaded("far", 800)}
	v, err := m.Check(region.Vec3{}, regions)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !v.Over || len(v.Evict) != 1 || v.Evict[0] != "far" {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestMonitor_UnderThreshold(t *testing.T) {
	m := New(fixedSource{v: 1024}, Config{ThresholdBytes: 1024, BatchSize: 3})
	v, err := m.Check(region.Vec3{}, []region.Descriptor{loaded("a", 10)})
	if err != nil || v.Over || len(v.Evict) != 0 {
		t.Fatalf("expected no eviction at threshold, got %+v err=%v", v, err)
	}
}

func TestMonitor_DisabledAndErrors(t *testing.T) {
	if New(fixedSource{v: 1 << 40}, Config{}).Enabled() {
		t.Fatalf("zero threshold must disable")
	}
	m := New(fixedSource{err: errors.New("no procfs")}, Config{ThresholdBytes: 1})
	if _, err := m.Check(region.Vec3{}, nil); err == nil {
		t.Fatalf("expected source error")
	}
}

func TestFarthest_SkipsNonLoadedAndBatches(t *testing.T) {
	regions := []region.Descriptor{
		loaded("a", 100),
		{Spec: region.Spec{ID: "busy", Center: region.Vec3{X: 9000}}, State: region.Preloading},
		loaded("b", 300),
		loaded("c", 300),
	}
	got := Farthest(region.Vec3{}, regions, 2)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("got %v want [b c]", got)
	}
}
