package region

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Vec3 is a point or offset in world units.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }

// Len is the euclidean length of v.
func (v Vec3) Len() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// Dist is the euclidean distance between v and o.
func (v Vec3) Dist(o Vec3) float64 { return v.Sub(o).Len() }

// Finite reports whether no component is NaN or infinite.
func (v Vec3) Finite() bool { return finite(v.X) && finite(v.Y) && finite(v.Z) }

func (v Vec3) String() string { return fmt.Sprintf("(%.1f,%.1f,%.1f)", v.X, v.Y, v.Z) }

// State is a region's position in the load lifecycle.
type State uint8

const (
	Unloaded State = iota
	Preloading
	Loaded
	Unloading
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "UNLOADED"
	case Preloading:
		return "PRELOADING"
	case Loaded:
		return "LOADED"
	case Unloading:
		return "UNLOADING"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Transient reports whether an operation is in flight for the state.
func (s State) Transient() bool { return s == Preloading || s == Unloading }

// Handle is an opaque token for provider-owned resources of a loaded region.
type Handle string

// Spec is the static configuration of a region.
type Spec struct {
	ID               string
	ResourceRef      string
	Center           Vec3
	BoundingRadius   float64
	PreloadDistance  float64
	UnloadHysteresis float64
}

// UnloadDistance is the distance beyond which a loaded region is unloaded.
func (s Spec) UnloadDistance() float64 { return s.PreloadDistance + s.UnloadHysteresis }

// Validate rejects specs the streamer cannot evaluate.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("region id must not be empty")
	}
	if strings.TrimSpace(s.ResourceRef) == "" {
		return fmt.Errorf("region %s resource_ref must not be empty", s.ID)
	}
	if !s.Center.Finite() {
		return fmt.Errorf("region %s center must be finite", s.ID)
	}
	if !finite(s.BoundingRadius) || s.BoundingRadius < 0 {
		return fmt.Errorf("region %s bounding_radius must be >= 0", s.ID)
	}
	if !finite(s.PreloadDistance) || s.PreloadDistance <= 0 {
		return fmt.Errorf("region %s preload_distance must be > 0", s.ID)
	}
	if !finite(s.UnloadHysteresis) || s.UnloadHysteresis < 0 {
		return fmt.Errorf("region %s unload_hysteresis must be >= 0", s.ID)
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Descriptor is a point-in-time copy of a registered region.
type Descriptor struct {
	Spec
	State   State
	Handles []Handle
	// Changed is when State last changed.
	Changed time.Time
}

// Kind says whether a Request loads or unloads.
type Kind uint8

const (
	KindLoad Kind = iota + 1
	KindUnload
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "LOAD"
	case KindUnload:
		return "UNLOAD"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Request asks a scheduler to move one region.
type Request struct {
	RegionID   string
	Kind       Kind
	EnqueuedAt time.Time
}

var (
	ErrDuplicateID   = errors.New("duplicate region id")
	ErrUnknownRegion = errors.New("unknown region")
)

// ProviderError wraps a resource provider failure for one region.
type ProviderError struct {
	Op       string // "load" or "unload"
	RegionID string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s %s: %v", e.Op, e.RegionID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
