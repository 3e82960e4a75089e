// Package recorder implements the durable history store (spec §4.11):
// every state change is queued and flushed in batches to a SQLite
// database, with bounded/paginated reads back out.
//
// Grounded on the teacher's data/store.go (a queue drained by a
// background goroutine into a backing store), generalized from an
// in-memory Timeseries map to durable, queryable storage and from
// "store whatever arrives" to "flush on N records or T elapsed,
// whichever comes first" (spec §4.11).
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/homehub/bus"
	"github.com/rustyeddy/homehub/state"
)

// DefaultFlushCount and DefaultFlushInterval are the batch-flush
// thresholds (spec §4.11: "N=200, T=1000ms").
const (
	DefaultFlushCount    = 200
	DefaultFlushInterval = time.Second
	DefaultQueueDepth    = 4096
)

// Record is one persisted history row.
type Record struct {
	Seq        int64          `json:"seq"`
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	OldState   string         `json:"old_state,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Recorder subscribes to a bus for state.StateChange events and
// persists them to SQLite in bounded batches.
type Recorder struct {
	db  *sql.DB
	bus *bus.Bus
	log *slog.Logger

	sub *bus.Subscription

	flushCount int
	flushEvery time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open opens (creating if needed) a WAL-mode SQLite database at path
// and starts recording state.StateChange events published on b.
func Open(path string, b *bus.Bus, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id   TEXT NOT NULL,
			state       TEXT NOT NULL,
			attributes  TEXT NOT NULL,
			old_state   TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_entity_time ON history(entity_id, recorded_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: create schema: %w", err)
	}

	r := &Recorder{
		db:         db,
		bus:        b,
		log:        log,
		sub:        b.Subscribe(),
		flushCount: DefaultFlushCount,
		flushEvery: DefaultFlushInterval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go r.run()
	return r, nil
}

func (r *Recorder) run() {
	defer close(r.doneCh)

	buf := make([]*state.StateChange, 0, r.flushCount)
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := r.insert(buf); err != nil {
			r.log.Warn("recorder: flush failed", "count", len(buf), "error", err)
		}
		buf = buf[:0]
	}

	for {
		select {
		case ev, ok := <-r.sub.C():
			if !ok {
				flush()
				return
			}
			sc, ok := ev.(*state.StateChange)
			if !ok {
				continue
			}
			buf = append(buf, sc)
			if len(buf) >= r.flushCount {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stopCh:
			flush()
			return
		}
	}
}

func (r *Recorder) insert(changes []*state.StateChange) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO history (entity_id, state, attributes, old_state, recorded_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, sc := range changes {
		attrs, err := json.Marshal(sc.NewState.Attributes)
		if err != nil {
			attrs = []byte("{}")
		}
		oldState := ""
		if sc.OldState != nil {
			oldState = sc.OldState.State
		}
		if _, err := stmt.Exec(sc.EntityID, sc.NewState.State, string(attrs), oldState, sc.FiredAt.UnixNano()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// History returns up to limit records for entityID recorded in
// [from, to], ordered oldest-first, starting after afterSeq (0 for the
// first page). The returned nextSeq is the Seq to pass as afterSeq for
// the next page, or 0 if this page was the last (spec §9 Open Question
// #2: monotonic Seq cursor over time-window chunking).
func (r *Recorder) History(ctx context.Context, entityID string, from, to time.Time, afterSeq int64, limit int) ([]Record, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, entity_id, state, attributes, old_state, recorded_at
		FROM history
		WHERE entity_id = ? AND recorded_at >= ? AND recorded_at <= ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, entityID, from.UnixNano(), to.UnixNano(), afterSeq, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("recorder: query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	var lastSeq int64
	for rows.Next() {
		var rec Record
		var attrsJSON string
		var recordedAtNano int64
		if err := rows.Scan(&rec.Seq, &rec.EntityID, &rec.State, &attrsJSON, &rec.OldState, &recordedAtNano); err != nil {
			return nil, 0, fmt.Errorf("recorder: scan history row: %w", err)
		}
		rec.RecordedAt = time.Unix(0, recordedAtNano).UTC()
		_ = json.Unmarshal([]byte(attrsJSON), &rec.Attributes)
		out = append(out, rec)
		lastSeq = rec.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	next := int64(0)
	if len(out) == limit {
		next = lastSeq
	}
	return out, next, nil
}

// Close stops accepting new events, flushes whatever is buffered, and
// closes the database. It waits for the flush to finish up to ctx's
// deadline; a dropped drain is logged as a warning (spec §4.11).
func (r *Recorder) Close(ctx context.Context) error {
	r.sub.Unsubscribe()
	close(r.stopCh)

	select {
	case <-r.doneCh:
	case <-ctx.Done():
		r.log.Warn("recorder: shutdown drain timed out, some buffered history may be lost")
	}
	return r.db.Close()
}
