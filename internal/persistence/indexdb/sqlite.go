package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"regionstream.ai/internal/sim/events"
	"regionstream.ai/internal/sim/region"
	"regionstream.ai/internal/sim/streamer"
)

// SQLiteIndex is a queryable read model of region lifecycle. It is written
// from a single goroutine; producers never block on it.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick  atomic.Uint64
	dropEvent atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqEvent
)

type req struct {
	kind reqKind

	tick  streamer.TickReport
	event events.Event
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropTickTotal  uint64 `json:"drop_tick_total"`
	DropEventTotal uint64 `json:"drop_event_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS regions (
			id TEXT PRIMARY KEY,
			resource_ref TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			bounding_radius REAL NOT NULL,
			preload_distance REAL NOT NULL,
			unload_hysteresis REAL NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS region_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			region_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_region_events_region ON region_events(region_id, seq);`,
		`CREATE TABLE IF NOT EXISTS region_state (
			region_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			loads INTEGER NOT NULL DEFAULT 0,
			unloads INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			evictions INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			at TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			loads INTEGER NOT NULL,
			unloads INTEGER NOT NULL,
			reclaimed INTEGER NOT NULL,
			evicted INTEGER NOT NULL,
			usage_bytes INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTickTotal:  s.dropTick.Load(),
		DropEventTotal: s.dropEvent.Load(),
	}
}

// WriteTick satisfies streamer.TickLogger.
func (s *SQLiteIndex) WriteTick(r streamer.TickReport) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: r}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropTick.Add(1)
	}
	return nil
}

// RecordEvent is an events.Bus listener. Progress events are not indexed.
func (s *SQLiteIndex) RecordEvent(ev events.Event) {
	if s == nil || s.closed.Load() || ev.Kind == events.RegionLoadProgress {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: ev}:
	default:
		s.dropEvent.Add(1)
	}
}

// UpsertRegions writes the registered region definitions synchronously.
func (s *SQLiteIndex) UpsertRegions(ctx context.Context, specs []region.Spec) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO regions(id,resource_ref,x,y,z,bounding_radius,preload_distance,unload_hysteresis,updated_at) VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	state, err := tx.Prepare(`INSERT OR IGNORE INTO region_state(region_id,state,updated_at) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer state.Close()
	for _, sp := range specs {
		if _, err := stmt.Exec(sp.ID, sp.ResourceRef, sp.Center.X, sp.Center.Y, sp.Center.Z, sp.BoundingRadius, sp.PreloadDistance, sp.UnloadHysteresis, now); err != nil {
			return err
		}
		if _, err := state.Exec(sp.ID, region.Unloaded.String(), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// stateAfter maps an event to the region state it leaves behind and the
// counter column it bumps.
func stateAfter(k events.Kind) (region.State, string, bool) {
	switch k {
	case events.RegionLoaded:
		return region.Loaded, "loads", true
	case events.RegionUnloaded:
		return region.Unloaded, "unloads", true
	case events.RegionLoadFailed:
		return region.Unloaded, "failures", true
	case events.RegionEvicted:
		return region.Unloading, "evictions", true
	}
	return region.Unloaded, "", false
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,at,x,y,z,loads,unloads,reclaimed,evicted,usage_bytes,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT INTO region_events(at,region_id,kind,error) VALUES(?,?,?,?)`)
	upsertState := map[string]*sql.Stmt{}
	for _, col := range []string{"loads", "unloads", "failures", "evictions"} {
		st, _ := s.db.Prepare(fmt.Sprintf(`INSERT INTO region_state(region_id,state,%[1]s,updated_at) VALUES(?,?,1,?)
			ON CONFLICT(region_id) DO UPDATE SET state=excluded.state, %[1]s=%[1]s+1, updated_at=excluded.updated_at`, col))
		upsertState[col] = st
	}
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
		for _, st := range upsertState {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			if insertTick == nil {
				break
			}
			raw, _ := json.Marshal(t)
			if _, err := tx.Stmt(insertTick).Exec(
				int64(t.Tick),
				t.At.UTC().Format(time.RFC3339Nano),
				t.Position.X, t.Position.Y, t.Position.Z,
				len(t.Loads),
				len(t.Unloads),
				len(t.Reclaimed),
				len(t.Evicted),
				int64(t.UsageBytes),
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqEvent:
			ev := r.event
			at := ev.At
			if at.IsZero() {
				at = time.Now()
			}
			ts := at.UTC().Format(time.RFC3339Nano)
			if insertEvent != nil {
				var errText any
				if ev.Error != "" {
					errText = ev.Error
				}
				if _, err := tx.Stmt(insertEvent).Exec(ts, ev.RegionID, string(ev.Kind), errText); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			st, col, ok := stateAfter(ev.Kind)
			if !ok || upsertState[col] == nil {
				break
			}
			if _, err := tx.Stmt(upsertState[col]).Exec(ev.RegionID, st.String(), ts); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}

	commit()
}
