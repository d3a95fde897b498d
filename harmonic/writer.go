package harmonic

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/attpc/harmonizer/merger"
)

// Version is stamped into the version attribute of every harmonic run.
const Version = "harmonizer:0.1.0"

// ErrOutputExists reports a destination file that is already present while
// overwrite permission was not given. Fatal: the session never silently
// replaces earlier output.
var ErrOutputExists = errors.New("output file already exists")

// createHarmonicScript is the DDL for a harmonic run file: the merger run
// schema minus the scalers table, with the per-event provenance columns
// orig_run and orig_event added.
const createHarmonicScript = `
CREATE TABLE IF NOT EXISTS run_attrs (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_number        INTEGER PRIMARY KEY,
	orig_run            INTEGER NOT NULL,
	orig_event          INTEGER NOT NULL,
	has_get             INTEGER NOT NULL DEFAULT 0,
	get_id              INTEGER,
	get_timestamp       INTEGER,
	get_timestamp_other INTEGER,
	trace_rows          INTEGER,
	trace_cols          INTEGER,
	trace_data          BLOB,
	has_frib            INTEGER NOT NULL DEFAULT 0,
	frib_event          INTEGER,
	frib_timestamp      INTEGER
);

CREATE TABLE IF NOT EXISTS physics (
	event_number INTEGER NOT NULL,
	channel      TEXT NOT NULL,
	rows         INTEGER NOT NULL,
	cols         INTEGER NOT NULL,
	data         BLOB NOT NULL,
	PRIMARY KEY (event_number, channel)
) WITHOUT ROWID;
`

// WriterOptions configure a SegmentWriter.
type WriterOptions struct {
	// Overwrite allows replacing harmonic run files already on disk.
	Overwrite bool
	// Session is the session identifier stamped into every harmonic run.
	Session string
}

// SegmentWriter owns the single currently open harmonic run and decides
// segment boundaries from accumulated logical byte size. It moves between
// two states: Closed (no output file open) and Open (accepting events).
// Harmonic run numbers are 1-based and contiguous in emission order.
type SegmentWriter struct {
	dir     string
	budget  int64
	opts    WriterOptions
	seg     *segment // nil while Closed
	nextRun int

	segments int
	events   int64
}

// segment is the writer's Open state: one harmonic run file accepting
// events under ascending local event numbers.
type segment struct {
	runNumber int
	path      string
	pool      *sqlitex.Pool
	conn      *sqlite.Conn
	nextLocal int64
	total     int64
}

// NewSegmentWriter creates a writer that emits harmonic runs under dir,
// each holding at most budget bytes of event payload (one oversize event
// excepted). No file is created until the first event is submitted.
func NewSegmentWriter(dir string, budget int64, opts WriterOptions) (*SegmentWriter, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("harmonic size budget must be positive, got %d", budget)
	}
	return &SegmentWriter{
		dir:     dir,
		budget:  budget,
		opts:    opts,
		nextRun: 1,
	}, nil
}

// Submit places one event. If the event would push the open segment past
// the budget it finalizes the segment first and starts the next one with
// this event: the overflowing event is never dropped, split, or forced into
// the full segment. A first event larger than the whole budget still gets
// its own segment, which is finalized immediately.
func (w *SegmentWriter) Submit(ev *merger.Event, size int64) error {
	if w.seg != nil && w.seg.total > 0 && w.seg.total+size > w.budget {
		if err := w.finalize(); err != nil {
			return err
		}
	}
	if w.seg == nil {
		if err := w.openSegment(); err != nil {
			return err
		}
	}

	if err := w.seg.appendEvent(ev); err != nil {
		return err
	}
	w.seg.total += size
	w.events++

	// An oversize first event fills its segment on its own: nothing else
	// can ever fit, so the segment is finalized right away.
	if w.seg.nextLocal == 1 && w.seg.total > w.budget {
		slog.Warn("event exceeds harmonic size budget, emitting oversize run",
			slog.Int("harmonic_run", w.seg.runNumber),
			slog.Int("orig_run", ev.RunNumber),
			slog.Int64("orig_event", ev.EventNumber),
			slog.Int64("size", size),
			slog.Int64("budget", w.budget))
		return w.finalize()
	}
	return nil
}

// Close finalizes the open segment, if any. End of input behaves exactly
// like an overflow: the partially filled segment is flushed as the last
// harmonic run.
func (w *SegmentWriter) Close() error {
	if w.seg == nil {
		return nil
	}
	return w.finalize()
}

// Discard drops the open segment without finalizing its attributes. Used on
// fatal session failure, where any partial output is invalid anyway but the
// file handle must still be released.
func (w *SegmentWriter) Discard() {
	if w.seg == nil {
		return
	}
	w.seg.close()
	w.seg = nil
}

// Segments returns the number of finalized harmonic runs.
func (w *SegmentWriter) Segments() int { return w.segments }

// Events returns the total number of events written.
func (w *SegmentWriter) Events() int64 { return w.events }

func (w *SegmentWriter) openSegment() error {
	path := merger.RunPath(w.dir, w.nextRun)
	if _, err := os.Stat(path); err == nil {
		if !w.opts.Overwrite {
			return fmt.Errorf("%w: %s", ErrOutputExists, path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to replace %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	pool, err := sqlitex.Open(path, 0, 1)
	if err != nil {
		return fmt.Errorf("failed to create harmonic run %d at %s: %w", w.nextRun, path, err)
	}
	conn := pool.Get(nil)
	if conn == nil {
		pool.Close()
		return fmt.Errorf("failed to get connection for harmonic run %d", w.nextRun)
	}

	if err := sqlitex.ExecScript(conn, createHarmonicScript); err != nil {
		pool.Put(conn)
		pool.Close()
		return fmt.Errorf("failed to create schema of harmonic run %d: %w", w.nextRun, err)
	}

	w.seg = &segment{
		runNumber: w.nextRun,
		path:      path,
		pool:      pool,
		conn:      conn,
	}
	w.nextRun++

	slog.Debug("opened harmonic run",
		slog.Int("harmonic_run", w.seg.runNumber),
		slog.String("path", path))
	return nil
}

// finalize writes the summary attributes of the open segment and closes it.
func (w *SegmentWriter) finalize() error {
	seg := w.seg
	defer func() {
		seg.close()
		w.seg = nil
	}()

	attrs := map[string]string{
		merger.AttrMinEvent: "0",
		merger.AttrMaxEvent: strconv.FormatInt(seg.nextLocal-1, 10),
		merger.AttrVersion:  Version,
		merger.AttrSession:  w.opts.Session,
	}
	for k, v := range attrs {
		stmt := seg.conn.Prep("INSERT OR REPLACE INTO run_attrs (key, value) VALUES (?, ?)")
		stmt.BindText(1, k)
		stmt.BindText(2, v)
		if _, err := stmt.Step(); err != nil {
			stmt.Reset()
			return fmt.Errorf("failed to finalize harmonic run %d: %w", seg.runNumber, err)
		}
		stmt.Reset()
	}

	w.segments++
	slog.Info("finalized harmonic run",
		slog.Int("harmonic_run", seg.runNumber),
		slog.Int64("events", seg.nextLocal),
		slog.Int64("bytes", seg.total))
	return nil
}

// appendEvent copies one event under the next local event number, tagging
// it with its origin run and event. The provenance columns are written in
// the same insert as the copied structure, never as a separate pass.
func (s *segment) appendEvent(ev *merger.Event) (err error) {
	defer sqlitex.Save(s.conn)(&err)

	stmt := s.conn.Prep(`INSERT INTO events (event_number, orig_run, orig_event,
		has_get, get_id, get_timestamp, get_timestamp_other,
		trace_rows, trace_cols, trace_data,
		has_frib, frib_event, frib_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	stmt.BindInt64(1, s.nextLocal)
	stmt.BindInt64(2, int64(ev.RunNumber))
	stmt.BindInt64(3, ev.EventNumber)

	if ev.Get != nil {
		stmt.BindInt64(4, 1)
		stmt.BindInt64(5, int64(ev.Get.ID))
		stmt.BindInt64(6, int64(ev.Get.Timestamp))
		stmt.BindInt64(7, int64(ev.Get.TimestampOther))
		stmt.BindInt64(8, int64(ev.Get.Rows))
		stmt.BindInt64(9, int64(ev.Get.Cols))
		stmt.BindBytes(10, ev.Get.Data)
	} else {
		stmt.BindInt64(4, 0)
		for i := 5; i <= 10; i++ {
			stmt.BindNull(i)
		}
	}

	if ev.Frib != nil {
		stmt.BindInt64(11, 1)
		stmt.BindInt64(12, int64(ev.Frib.Event))
		stmt.BindInt64(13, int64(ev.Frib.Timestamp))
	} else {
		stmt.BindInt64(11, 0)
		stmt.BindNull(12)
		stmt.BindNull(13)
	}

	if _, err := stmt.Step(); err != nil {
		stmt.Reset()
		return fmt.Errorf("failed to write event %d/%d to harmonic run %d: %w",
			ev.RunNumber, ev.EventNumber, s.runNumber, err)
	}
	stmt.Reset()

	if ev.Frib != nil {
		for _, ch := range ev.Frib.Channels {
			chStmt := s.conn.Prep("INSERT INTO physics (event_number, channel, rows, cols, data) VALUES (?, ?, ?, ?, ?)")
			chStmt.BindInt64(1, s.nextLocal)
			chStmt.BindText(2, ch.Name)
			chStmt.BindInt64(3, int64(ch.Rows))
			chStmt.BindInt64(4, int64(ch.Cols))
			chStmt.BindBytes(5, ch.Data)
			if _, err := chStmt.Step(); err != nil {
				chStmt.Reset()
				return fmt.Errorf("failed to write channel %q of event %d/%d to harmonic run %d: %w",
					ch.Name, ev.RunNumber, ev.EventNumber, s.runNumber, err)
			}
			chStmt.Reset()
		}
	}

	s.nextLocal++
	return nil
}

func (s *segment) close() {
	if s.conn != nil {
		s.pool.Put(s.conn)
		s.conn = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
