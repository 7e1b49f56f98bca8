package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"regionstream.ai/internal/sim/events"
	"regionstream.ai/internal/sim/region"
	"regionstream.ai/internal/sim/streamer"
)

func TestSQLiteIndex_RegionLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	specs := []region.Spec{
		{ID: "harbor", ResourceRef: "harbor", Center: region.Vec3{X: 10}, PreloadDistance: 50, UnloadHysteresis: 10},
		{ID: "hills", ResourceRef: "hills", Center: region.Vec3{Z: 300}, PreloadDistance: 80},
	}
	if err := idx.UpsertRegions(context.Background(), specs); err != nil {
		t.Fatalf("UpsertRegions: %v", err)
	}
	now := time.Now()
	idx.RecordEvent(events.Event{Kind: events.RegionLoadProgress, RegionID: "harbor", Fraction: 0.5, At: now})
	idx.RecordEvent(events.Event{Kind: events.RegionLoaded, RegionID: "harbor", At: now})
	idx.RecordEvent(events.Event{Kind: events.RegionUnloaded, RegionID: "harbor", At: now})
	idx.RecordEvent(events.Event{Kind: events.RegionLoaded, RegionID: "harbor", At: now})
	idx.RecordEvent(events.Event{Kind: events.RegionLoadFailed, RegionID: "hills", Error: "boom", At: now})
	if err := idx.WriteTick(streamer.TickReport{Tick: 3, At: now, Loads: []string{"harbor"}}); err != nil {
		t.Fatalf("WriteTick: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM regions`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("regions=%d err=%v", n, err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM region_events`).Scan(&n); err != nil || n != 4 {
		t.Fatalf("region_events=%d err=%v (progress must not be indexed)", n, err)
	}

	var (
		state          string
		loads, unloads int
	)
	if err := db.QueryRow(`SELECT state,loads,unloads FROM region_state WHERE region_id='harbor'`).Scan(&state, &loads, &unloads); err != nil {
		t.Fatalf("Scan harbor: %v", err)
	}
	if state != "LOADED" || loads != 2 || unloads != 1 {
		t.Fatalf("harbor state=%s loads=%d unloads=%d", state, loads, unloads)
	}

	var failures int
	var errText string
	if err := db.QueryRow(`SELECT s.state,s.failures,e.error FROM region_state s JOIN region_events e ON e.region_id=s.region_id WHERE s.region_id='hills'`).Scan(&state, &failures, &errText); err != nil {
		t.Fatalf("Scan hills: %v", err)
	}
	if state != "UNLOADED" || failures != 1 || errText != "boom" {
		t.Fatalf("hills state=%s failures=%d err=%q", state, failures, errText)
	}

	var tickLoads int
	if err := db.QueryRow(`SELECT loads FROM ticks WHERE tick=3`).Scan(&tickLoads); err != nil || tickLoads != 1 {
		t.Fatalf("tick loads=%d err=%v", tickLoads, err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick}

	_ = s.WriteTick(streamer.TickReport{Tick: 2})
	s.RecordEvent(events.Event{Kind: events.RegionLoaded, RegionID: "a"})
	s.RecordEvent(events.Event{Kind: events.RegionLoadProgress, RegionID: "a"})

	st := s.Stats()
	if st.DropTickTotal != 1 {
		t.Fatalf("DropTickTotal=%d want=1", st.DropTickTotal)
	}
	if st.DropEventTotal != 1 {
		t.Fatalf("DropEventTotal=%d want=1", st.DropEventTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilSafe(t *testing.T) {
	var s *SQLiteIndex
	if err := s.WriteTick(streamer.TickReport{}); err != nil {
		t.Fatalf("nil WriteTick: %v", err)
	}
	s.RecordEvent(events.Event{Kind: events.RegionLoaded})
	if err := s.UpsertRegions(context.Background(), nil); err != nil {
		t.Fatalf("nil UpsertRegions: %v", err)
	}
}
