package regionpack

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"regionstream.ai/internal/sim/region"
)

const readChunk = 64 * 1024

// Provider materializes regions from pack files under a directory. Asset
// bytes stay resident until their handles are unloaded.
type Provider struct {
	dir string
	// latency is added per asset; used to make demos visibly stream.
	latency time.Duration

	mu       sync.Mutex
	next     uint64
	assets   map[region.Handle][]byte
	resident uint64
}

func NewProvider(dir string) *Provider {
	return &Provider{dir: dir, assets: map[region.Handle][]byte{}}
}

func (p *Provider) SetLatency(d time.Duration) { p.latency = d }

func (p *Provider) Load(ctx context.Context, ref string, progress func(float64)) ([]region.Handle, error) {
	path, err := PathFor(p.dir, ref)
	if err != nil {
		return nil, err
	}
	r, err := openPack(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	total := r.hdr.TotalBytes()
	var done int64
	report := func() {
		if progress == nil || total == 0 {
			return
		}
		progress(float64(done) / float64(total))
	}

	loaded := make([]Asset, 0, len(r.hdr.Assets))
	for _, info := range r.hdr.Assets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.latency > 0 {
			t := time.NewTimer(p.latency)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		buf := make([]byte, info.Size)
		for off := int64(0); off < info.Size; {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := off + readChunk
			if end > info.Size {
				end = info.Size
			}
			if _, err := io.ReadFull(r.br, buf[off:end]); err != nil {
				return nil, fmt.Errorf("pack %s asset %s: %w", ref, info.Name, err)
			}
			done += end - off
			off = end
			report()
		}
		loaded = append(loaded, Asset{Name: info.Name, Data: buf})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	handles := make([]region.Handle, 0, len(loaded))
	for _, a := range loaded {
		p.next++
		h := region.Handle(fmt.Sprintf("%s/%s#%d", ref, a.Name, p.next))
		p.assets[h] = a.Data
		p.resident += uint64(len(a.Data))
		handles = append(handles, h)
	}
	return handles, nil
}

// Unload drops handles. Handles the provider does not know are reported as
// an error after every known handle has been released.
func (p *Provider) Unload(ctx context.Context, handles []region.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var unknown []string
	for _, h := range handles {
		b, ok := p.assets[h]
		if !ok {
			unknown = append(unknown, string(h))
			continue
		}
		delete(p.assets, h)
		p.resident -= uint64(len(b))
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown handles: %v", unknown)
	}
	return nil
}

// UsageBytes is the number of asset bytes currently resident.
func (p *Provider) UsageBytes() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resident, nil
}

// Asset returns the bytes behind a live handle.
func (p *Provider) Asset(h region.Handle) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.assets[h]
	return b, ok
}

func (p *Provider) LiveHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assets)
}
