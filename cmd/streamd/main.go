package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"regionstream.ai/internal/persistence/indexdb"
	persistlog "regionstream.ai/internal/persistence/log"
	"regionstream.ai/internal/persistence/regionpack"
	"regionstream.ai/internal/sim/events"
	simobs "regionstream.ai/internal/sim/observer"
	"regionstream.ai/internal/sim/region"
	"regionstream.ai/internal/sim/streamer"
	"regionstream.ai/internal/sim/tuning"
	"regionstream.ai/internal/sysmem"
	"regionstream.ai/internal/transport/observer"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configPath  = flag.String("config", "./configs/streaming.yaml", "path to streaming.yaml")
		packDir     = flag.String("packs", "./packs", "directory holding <resource_ref>.pack.zst files")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite region index")
		disableLogs = flag.Bool("disable_logs", false, "disable compressed event/tick logs")
		walk        = flag.Bool("walk", true, "move the observer along observer.path when one is configured")
		latencyMs   = flag.Int("load_latency_ms", 0, "artificial per-asset load latency")
		remoteCtl   = flag.Bool("allow_remote_control", false, "allow non-loopback clients to force loads and push positions")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[streamd] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	reg := region.NewRegistry()
	if err := tune.Populate(reg); err != nil {
		logger.Fatalf("register regions: %v", err)
	}

	provider := regionpack.NewProvider(*packDir)
	if *latencyMs > 0 {
		provider.SetLatency(time.Duration(*latencyMs) * time.Millisecond)
	}
	mem, err := sysmem.Select(tune.MemorySource, provider)
	if err != nil {
		logger.Fatalf("memory source: %v", err)
	}

	tracker := simobs.NewTracker(tune.Observer.Start)
	bus := events.NewBus()
	bus.SetLogger(logger)

	deps := streamer.Deps{
		Registry: reg,
		Provider: provider,
		Position: tracker,
		Bus:      bus,
		Logger:   logger,
	}
	if tune.MemoryThresholdBytes > 0 {
		deps.Memory = mem
	}
	if tune.CompactAfterUnload {
		deps.AfterUnload = sysmem.Compact
	}
	svc, err := streamer.New(tune.Streamer(), deps)
	if err != nil {
		logger.Fatalf("streamer: %v", err)
	}

	bus.Subscribe(func(ev events.Event) {
		switch ev.Kind {
		case events.RegionLoaded, events.RegionUnloaded, events.RegionEvicted:
			logger.Printf("%s %s", ev.Kind, ev.RegionID)
		case events.RegionLoadFailed:
			logger.Printf("%s %s: %s", ev.Kind, ev.RegionID, ev.Error)
		}
	})

	var tickLogs multiTickLogger
	if !*disableLogs {
		evLog := persistlog.NewEventLogger(*dataDir).OnError(func(err error) { logger.Printf("event log: %v", err) })
		defer evLog.Close()
		bus.Subscribe(evLog.Handle)

		tl := persistlog.NewTickLogger(*dataDir)
		defer tl.Close()
		tickLogs = append(tickLogs, tl)
	}

	// Optional: read-model index (does not affect streaming decisions).
	if !*disableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "regions.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertRegions(context.Background(), tune.Specs()); err != nil {
			logger.Printf("index regions: %v", err)
		}
		bus.Subscribe(idx.RecordEvent)
		tickLogs = append(tickLogs, idx)
	}
	if len(tickLogs) > 0 {
		svc.SetTickLogger(tickLogs)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *walk && len(tune.Observer.Path) > 1 {
		path := simobs.Path{Waypoints: tune.Observer.Path, Speed: tune.Observer.Speed}
		go walkPath(ctx, tracker, path, svc.Config().TickInterval)
		logger.Printf("observer walking %d waypoints at %.1f u/s", len(path.Waypoints), path.Speed)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("streamer stopped: %v", err)
		}
	}()

	obsSrv := observer.NewServer(svc, tracker, tracker, observer.Options{AllowRemoteControl: *remoteCtl}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, svc.Stats(), provider, obsSrv)
	})
	obsSrv.Register(mux)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("streaming %d regions from %s; listening on %s", reg.Len(), *packDir, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-done
	logger.Printf("stopped at tick %d", svc.CurrentTick())
}

type multiTickLogger []streamer.TickLogger

func (m multiTickLogger) WriteTick(r streamer.TickReport) error {
	var errs []error
	for _, l := range m {
		if err := l.WriteTick(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func walkPath(ctx context.Context, t *simobs.Tracker, p simobs.Path, every time.Duration) {
	start := time.Now()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Set(p.At(now.Sub(start)))
		}
	}
}

type usageReporter interface {
	UsageBytes() (uint64, error)
	LiveHandles() int
}

func writeMetrics(rw http.ResponseWriter, st streamer.Stats, prov usageReporter, obs *observer.Server) {
	// Minimal Prometheus exposition format.
	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s %v\n", name, v)
	}
	gauge("regionstream_tick", "Current streaming tick.", st.Tick)
	gauge("regionstream_regions", "Registered regions.", st.Regions)

	fmt.Fprintf(rw, "# HELP regionstream_regions_by_state Regions per lifecycle state.\n")
	fmt.Fprintf(rw, "# TYPE regionstream_regions_by_state gauge\n")
	for _, kv := range []struct {
		state string
		n     int
	}{
		{strings.ToLower(region.Loaded.String()), st.Loaded},
		{strings.ToLower(region.Preloading.String()), st.Preloading},
		{strings.ToLower(region.Unloading.String()), st.Unloading},
	} {
		fmt.Fprintf(rw, "regionstream_regions_by_state{state=%q} %d\n", kv.state, kv.n)
	}

	gauge("regionstream_loads_in_flight", "Provider loads currently running.", st.LoadsInFlight)
	gauge("regionstream_loads_queued", "Load requests waiting for a slot.", st.LoadsQueued)
	gauge("regionstream_unloads_pending", "Unloads debouncing or executing.", st.UnloadsQueued)
	if u, err := prov.UsageBytes(); err == nil {
		gauge("regionstream_resident_bytes", "Asset bytes held by loaded regions.", u)
	}
	gauge("regionstream_live_handles", "Asset handles held by loaded regions.", prov.LiveHandles())
	gauge("regionstream_ws_sessions", "Connected event stream clients.", obs.Sessions())
	gauge("regionstream_ws_dropped_total", "Events dropped for slow clients.", obs.Dropped())
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
