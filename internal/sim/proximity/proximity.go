package proximity

import (
	"sort"
	"time"

	"regionstream.ai/internal/sim/region"
)

// Evaluate decides which regions should change state for an observer at pos.
// It only reads the snapshot; applying the requests is the schedulers' job.
//
// Loads come first, nearest first; unloads follow, farthest first.
func Evaluate(pos region.Vec3, regions []region.Descriptor, now time.Time) []region.Request {
	type item struct {
		id   string
		kind region.Kind
		dist float64
	}
	var items []item
	for _, d := range regions {
		dist := pos.Dist(d.Center)
		switch d.State {
		case region.Unloaded:
			if dist <= d.PreloadDistance {
				items = append(items, item{id: d.ID, kind: region.KindLoad, dist: dist})
			}
		case region.Unloading:
			// Back in range while an unload is pending: the load request
			// lets the unloader cancel its debounce.
			if dist <= d.PreloadDistance {
				items = append(items, item{id: d.ID, kind: region.KindLoad, dist: dist})
			}
		case region.Loaded:
			if dist > d.UnloadDistance() {
				items = append(items, item{id: d.ID, kind: region.KindUnload, dist: dist})
			}
		}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.kind != b.kind {
			return a.kind == region.KindLoad
		}
		if a.dist != b.dist {
			if a.kind == region.KindLoad {
				return a.dist < b.dist
			}
			return a.dist > b.dist
		}
		return a.id < b.id
	})
	out := make([]region.Request, 0, len(items))
	for _, it := range items {
		out = append(out, region.Request{RegionID: it.id, Kind: it.kind, EnqueuedAt: now})
	}
	return out
}

// Distances maps region id to distance from pos.
func Distances(pos region.Vec3, regions []region.Descriptor) map[string]float64 {
	out := make(map[string]float64, len(regions))
	for _, d := range regions {
		out[d.ID] = pos.Dist(d.Center)
	}
	return out
}
