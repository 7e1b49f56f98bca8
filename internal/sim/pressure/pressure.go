package pressure

import (
	"sort"

	"regionstream.ai/internal/sim/region"
)

// Source reports the memory currently attributed to managed regions.
type Source interface {
	UsageBytes() (uint64, error)
}

type Config struct {
	// ThresholdBytes of 0 disables the monitor.
	ThresholdBytes uint64
	BatchSize      int
}

type Verdict struct {
	UsageBytes uint64
	Over       bool
	// Evict lists Loaded regions to force-unload, farthest first.
	Evict []string
}

// Monitor is the memory safety valve. When usage exceeds the threshold it
// picks loaded regions for eviction by descending distance from the
// observer, regardless of whether they are still within preload distance.
type Monitor struct {
	src Source
	cfg Config
}

func New(src Source, cfg Config) *Monitor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Monitor{src: src, cfg: cfg}
}

func (m *Monitor) Enabled() bool { return m != nil && m.src != nil && m.cfg.ThresholdBytes > 0 }

func (m *Monitor) Check(pos region.Vec3, regions []region.Descriptor) (Verdict, error) {
	if !m.Enabled() {
		return Verdict{}, nil
	}
	usage, err := m.src.UsageBytes()
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{UsageBytes: usage}
	if usage <= m.cfg.ThresholdBytes {
		return v, nil
	}
	v.Over = true
	v.Evict = Farthest(pos, regions, m.cfg.BatchSize)
	return v, nil
}

// Farthest returns up to n Loaded region ids ordered by descending distance
// from pos, ties broken by id.
func Farthest(pos region.Vec3, regions []region.Descriptor, n int) []string {
	type item struct {
		id   string
		dist float64
	}
	var items []item
	for _, d := range regions {
		if d.State != region.Loaded {
			continue
		}
		items = append(items, item{id: d.ID, dist: pos.Dist(d.Center)})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].dist != items[j].dist {
			return items[i].dist > items[j].dist
		}
		return items[i].id < items[j].id
	})
	if n >= 0 && len(items) > n {
		items = items[:n]
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.id)
	}
	return out
}
