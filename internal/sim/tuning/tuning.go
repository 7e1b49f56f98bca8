package tuning

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"regionstream.ai/internal/sim/region"
	"regionstream.ai/internal/sim/streamer"
)

//go:embed streaming.schema.json
var schemaJSON string

type Tuning struct {
	TickIntervalMs       int    `yaml:"tick_interval_ms"`
	MaxConcurrentLoads   int    `yaml:"max_concurrent_loads"`
	UnloadDebounceMs     int    `yaml:"unload_debounce_ms"`
	MemoryThresholdBytes uint64 `yaml:"memory_threshold_bytes"`
	EvictionBatchSize    int    `yaml:"eviction_batch_size"`
	ProviderTimeoutMs    int    `yaml:"provider_timeout_ms"`
	// MemorySource is one of "provider", "process", "heap".
	MemorySource string `yaml:"memory_source"`
	// CompactAfterUnload returns freed memory to the OS after every unload.
	CompactAfterUnload bool `yaml:"compact_after_unload"`

	Observer ObserverSpec `yaml:"observer"`
	Regions  []RegionSpec `yaml:"regions"`
}

type ObserverSpec struct {
	Start region.Vec3   `yaml:"start"`
	Path  []region.Vec3 `yaml:"path,omitempty"`
	Speed float64       `yaml:"speed"`
}

type RegionSpec struct {
	ID               string      `yaml:"id"`
	ResourceRef      string      `yaml:"resource_ref"`
	Center           region.Vec3 `yaml:"center"`
	BoundingRadius   float64     `yaml:"bounding_radius"`
	PreloadDistance  float64     `yaml:"preload_distance"`
	UnloadHysteresis float64     `yaml:"unload_hysteresis"`
}

func Defaults() Tuning {
	return Tuning{
		TickIntervalMs:     100,
		MaxConcurrentLoads: 2,
		UnloadDebounceMs:   2000,
		EvictionBatchSize:  1,
		ProviderTimeoutMs:  30000,
		MemorySource:       "provider",
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := validateSchema(raw); err != nil {
		return t, fmt.Errorf("streaming.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("streaming.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("streaming.yaml: %w", err)
	}
	return t, nil
}

func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("empty document")
	}
	// Round-trip through JSON so the validator sees plain JSON types.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	sch, err := compileSchema()
	if err != nil {
		return err
	}
	return sch.Validate(v)
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("streaming.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("streaming.schema.json")
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	def := Defaults()
	if t.TickIntervalMs <= 0 {
		t.TickIntervalMs = def.TickIntervalMs
	}
	if t.MaxConcurrentLoads <= 0 {
		t.MaxConcurrentLoads = def.MaxConcurrentLoads
	}
	if t.EvictionBatchSize <= 0 {
		t.EvictionBatchSize = def.EvictionBatchSize
	}
	t.MemorySource = strings.ToLower(strings.TrimSpace(t.MemorySource))
	if t.MemorySource == "" {
		t.MemorySource = def.MemorySource
	}
	for i := range t.Regions {
		t.Regions[i].ID = strings.TrimSpace(t.Regions[i].ID)
		// default: the region id names its pack
		if strings.TrimSpace(t.Regions[i].ResourceRef) == "" {
			t.Regions[i].ResourceRef = t.Regions[i].ID
		}
	}
}

func (t Tuning) Validate() error {
	if t.UnloadDebounceMs < 0 {
		return fmt.Errorf("unload_debounce_ms must be >= 0")
	}
	if t.ProviderTimeoutMs < 0 {
		return fmt.Errorf("provider_timeout_ms must be >= 0")
	}
	switch t.MemorySource {
	case "provider", "process", "heap":
	default:
		return fmt.Errorf("memory_source %q must be one of provider, process, heap", t.MemorySource)
	}
	if len(t.Regions) == 0 {
		return fmt.Errorf("regions must not be empty")
	}
	seen := map[string]bool{}
	for _, r := range t.Regions {
		if seen[r.ID] {
			return fmt.Errorf("duplicate region id: %s", r.ID)
		}
		seen[r.ID] = true
		if err := r.Spec().Validate(); err != nil {
			return err
		}
	}
	if t.Observer.Speed < 0 {
		return fmt.Errorf("observer speed must be >= 0")
	}
	return nil
}

func (r RegionSpec) Spec() region.Spec {
	return region.Spec{
		ID:               r.ID,
		ResourceRef:      r.ResourceRef,
		Center:           r.Center,
		BoundingRadius:   r.BoundingRadius,
		PreloadDistance:  r.PreloadDistance,
		UnloadHysteresis: r.UnloadHysteresis,
	}
}

// Specs returns the region catalog in file order.
func (t Tuning) Specs() []region.Spec {
	out := make([]region.Spec, 0, len(t.Regions))
	for _, r := range t.Regions {
		out = append(out, r.Spec())
	}
	return out
}

func (t Tuning) Streamer() streamer.Config {
	return streamer.Config{
		TickInterval:         time.Duration(t.TickIntervalMs) * time.Millisecond,
		MaxConcurrentLoads:   t.MaxConcurrentLoads,
		UnloadDebounce:       time.Duration(t.UnloadDebounceMs) * time.Millisecond,
		MemoryThresholdBytes: t.MemoryThresholdBytes,
		EvictionBatchSize:    t.EvictionBatchSize,
		ProviderTimeout:      time.Duration(t.ProviderTimeoutMs) * time.Millisecond,
	}
}

// Populate registers every region in a fresh registry. Any error is a
// configuration error and fatal at startup.
func (t Tuning) Populate(reg *region.Registry) error {
	for _, sp := range t.Specs() {
		if err := reg.Register(sp); err != nil {
			return err
		}
	}
	return nil
}
