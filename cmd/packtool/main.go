package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"regionstream.ai/internal/persistence/regionpack"
	"regionstream.ai/internal/sim/events"
	"regionstream.ai/internal/sim/tuning"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "build":
			buildCmd(os.Args[2:])
			return
		case "synth":
			synthCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		}
	}
	inspectCmd(os.Args[1:])
}

// buildCmd packs the given files; each file becomes one asset named by its base name.
func buildCmd(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	outDir := fs.String("out", "./packs", "pack output directory")
	ref := fs.String("ref", "", "resource ref (pack name)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*ref) == "" {
		fmt.Fprintln(os.Stderr, "missing -ref")
		os.Exit(2)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "no input files")
		os.Exit(2)
	}
	assets := make([]regionpack.Asset, 0, fs.NArg())
	for _, p := range fs.Args() {
		b, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		assets = append(assets, regionpack.Asset{Name: filepath.Base(p), Data: b})
	}
	out, err := writePack(*outDir, *ref, assets)
	if err != nil {
		fmt.Fprintln(os.Stderr, "write pack:", err)
		os.Exit(1)
	}
	fmt.Printf("pack ok: ref=%s assets=%d out=%s\n", *ref, len(assets), out)
}

// synthCmd writes a filler pack for every region in a streaming config.
func synthCmd(args []string) {
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	outDir := fs.String("out", "./packs", "pack output directory")
	configPath := fs.String("config", "./configs/streaming.yaml", "path to streaming.yaml")
	assets := fs.Int("assets", 4, "assets per pack")
	size := fs.Int("asset_bytes", 256*1024, "bytes per asset")
	seed := fs.Uint64("seed", 1, "filler seed")
	_ = fs.Parse(args)

	tune, err := tuning.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *assets <= 0 || *size < 0 {
		fmt.Fprintln(os.Stderr, "-assets must be > 0 and -asset_bytes >= 0")
		os.Exit(2)
	}

	seen := map[string]bool{}
	for _, r := range tune.Regions {
		if seen[r.ResourceRef] {
			continue
		}
		seen[r.ResourceRef] = true
		rng := rand.New(rand.NewPCG(*seed, uint64(len(seen))))
		list := make([]regionpack.Asset, 0, *assets)
		for i := 0; i < *assets; i++ {
			b := make([]byte, *size)
			for j := range b {
				b[j] = byte(rng.IntN(16))
			}
			list = append(list, regionpack.Asset{Name: fmt.Sprintf("asset%02d.bin", i), Data: b})
		}
		out, err := writePack(*outDir, r.ResourceRef, list)
		if err != nil {
			fmt.Fprintln(os.Stderr, "write pack:", err)
			os.Exit(1)
		}
		fmt.Printf("synth ok: ref=%s assets=%d out=%s\n", r.ResourceRef, len(list), out)
	}
}

func writePack(dir, ref string, assets []regionpack.Asset) (string, error) {
	out, err := regionpack.PathFor(dir, ref)
	if err != nil {
		return "", err
	}
	return out, regionpack.WritePack(out, ref, assets)
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dir := fs.String("packs", "./packs", "pack directory (used when no files are given)")
	_ = fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		matches, err := filepath.Glob(filepath.Join(*dir, "*"+regionpack.Ext))
		if err != nil {
			fmt.Fprintln(os.Stderr, "glob:", err)
			os.Exit(1)
		}
		sort.Strings(matches)
		paths = matches
	}
	failed := false
	for _, p := range paths {
		h, err := regionpack.ReadHeader(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			failed = true
			continue
		}
		fmt.Printf("%s ref=%s version=%d assets=%d bytes=%d\n", filepath.Base(p), h.Ref, h.Version, len(h.Assets), h.TotalBytes())
		for _, a := range h.Assets {
			fmt.Printf("  %-24s %d\n", a.Name, a.Size)
		}
	}
	if failed {
		os.Exit(1)
	}
}

// eventsCmd prints logged region events, oldest first.
func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	regionID := fs.String("region", "", "only this region (optional)")
	_ = fs.Parse(args)

	evs, err := readEvents(filepath.Join(*dataDir, "events"), *regionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read events:", err)
		os.Exit(1)
	}
	for _, ev := range evs {
		line := fmt.Sprintf("%s %-22s %s", ev.At.Format("2006-01-02T15:04:05.000Z07:00"), ev.Kind, ev.RegionID)
		if ev.Error != "" {
			line += " error=" + ev.Error
		}
		fmt.Println(line)
	}
}

func readEvents(dir, regionID string) ([]events.Event, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []events.Event
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		sc := bufio.NewScanner(dec)
		sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for sc.Scan() {
			var ev events.Event
			if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
				dec.Close()
				_ = f.Close()
				return nil, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if regionID != "" && ev.RegionID != regionID {
				continue
			}
			out = append(out, ev)
		}
		if err := sc.Err(); err != nil {
			dec.Close()
			_ = f.Close()
			return nil, err
		}
		dec.Close()
		_ = f.Close()
	}
	return out, nil
}
