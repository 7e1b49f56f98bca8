package observer

import (
	"sync"
	"time"

	"regionstream.ai/internal/sim/region"
)

// Tracker holds the latest known observer position.
type Tracker struct {
	mu    sync.RWMutex
	pos   region.Vec3
	moves uint64
	at    time.Time
}

func NewTracker(start region.Vec3) *Tracker {
	return &Tracker{pos: start, at: time.Now()}
}

func (t *Tracker) CurrentPosition() region.Vec3 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos
}

func (t *Tracker) Set(p region.Vec3) {
	t.mu.Lock()
	t.pos = p
	t.moves++
	t.at = time.Now()
	t.mu.Unlock()
}

// Moves is the number of Set calls so far.
func (t *Tracker) Moves() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.moves
}

func (t *Tracker) UpdatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.at
}

// Path walks waypoints in a loop at a constant speed (units per second).
type Path struct {
	Waypoints []region.Vec3
	Speed     float64
}

// At returns the position after elapsed time has passed since the start.
func (p Path) At(elapsed time.Duration) region.Vec3 {
	n := len(p.Waypoints)
	if n == 0 {
		return region.Vec3{}
	}
	if n == 1 || p.Speed <= 0 {
		return p.Waypoints[0]
	}
	total := 0.0
	for i := 0; i < n; i++ {
		total += p.Waypoints[i].Dist(p.Waypoints[(i+1)%n])
	}
	if total == 0 {
		return p.Waypoints[0]
	}
	d := p.Speed * elapsed.Seconds()
	for d >= total {
		d -= total
	}
	for i := 0; i < n; i++ {
		a, b := p.Waypoints[i], p.Waypoints[(i+1)%n]
		seg := a.Dist(b)
		if d <= seg && seg > 0 {
			f := d / seg
			return region.Vec3{
				X: a.X + (b.X-a.X)*f,
				Y: a.Y + (b.Y-a.Y)*f,
				Z: a.Z + (b.Z-a.Z)*f,
			}
		}
		d -= seg
	}
	return p.Waypoints[0]
}
