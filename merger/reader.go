package merger

import (
	"fmt"
	"os"
	"strconv"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// RunReader reads one merger run file. Events and scalers are exposed as
// forward-only, single-pass sequences; the underlying connection is held
// for the reader's lifetime and released by Close.
type RunReader struct {
	runNumber int
	path      string

	pool *sqlitex.Pool
	conn *sqlite.Conn

	attrs map[string]string

	eventsConsumed  bool
	scalersConsumed bool
}

// OpenRun opens the run file at path. The schema and the required top-level
// attributes are validated eagerly: a malformed file fails here with
// ErrFormat rather than on first field access. The file is opened read-only;
// source runs are never mutated.
func OpenRun(path string, runNumber int) (*RunReader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open run %d at %s: %w", runNumber, path, err)
	}

	flags := sqlite.SQLITE_OPEN_READONLY | sqlite.SQLITE_OPEN_URI | sqlite.SQLITE_OPEN_NOMUTEX
	pool, err := sqlitex.Open(path, flags, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to open run %d at %s: %w", runNumber, path, err)
	}

	conn := pool.Get(nil)
	if conn == nil {
		pool.Close()
		return nil, fmt.Errorf("failed to get connection for run %d", runNumber)
	}

	r := &RunReader{
		runNumber: runNumber,
		path:      path,
		pool:      pool,
		conn:      conn,
	}

	if err := r.init(); err != nil {
		r.Close()
		return nil, fmt.Errorf("run %d (%s): %w", runNumber, path, err)
	}
	return r, nil
}

func (r *RunReader) init() error {
	if err := validateSchema(r.conn); err != nil {
		return err
	}

	attrs, err := readAttrs(r.conn)
	if err != nil {
		return err
	}
	for _, key := range []string{AttrMinEvent, AttrMaxEvent, AttrVersion} {
		if _, ok := attrs[key]; !ok {
			return fmt.Errorf("%w: missing attribute %q", ErrFormat, key)
		}
	}
	r.attrs = attrs
	return nil
}

// Close releases the reader's connection. Safe to call more than once.
func (r *RunReader) Close() error {
	if r.pool == nil {
		return nil
	}
	if r.conn != nil {
		r.pool.Put(r.conn)
		r.conn = nil
	}
	err := r.pool.Close()
	r.pool = nil
	return err
}

// RunNumber returns the run number this reader was opened for.
func (r *RunReader) RunNumber() int { return r.runNumber }

// Attr returns a top-level run attribute.
func (r *RunReader) Attr(key string) (string, bool) {
	v, ok := r.attrs[key]
	return v, ok
}

// EventBounds returns the min_event and max_event attributes.
func (r *RunReader) EventBounds() (min, max int64, err error) {
	min, err = strconv.ParseInt(r.attrs[AttrMinEvent], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad min_event attribute %q", ErrFormat, r.attrs[AttrMinEvent])
	}
	max, err = strconv.ParseInt(r.attrs[AttrMaxEvent], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad max_event attribute %q", ErrFormat, r.attrs[AttrMaxEvent])
	}
	return min, max, nil
}

// EventCount returns the number of events stored in the run.
func (r *RunReader) EventCount() (int64, error) {
	stmt := r.conn.Prep("SELECT COUNT(*) FROM events")
	defer stmt.Reset()

	hasRow, err := stmt.Step()
	if err != nil {
		return 0, fmt.Errorf("failed to count events of run %d: %w", r.runNumber, err)
	}
	if !hasRow {
		return 0, fmt.Errorf("no result counting events of run %d", r.runNumber)
	}
	return stmt.ColumnInt64(0), nil
}

// ForEachEvent streams every event in ascending event-number order.
// The sequence is single-pass: a second call fails. Returning an error from
// fn stops the iteration and propagates the error.
func (r *RunReader) ForEachEvent(fn func(*Event) error) error {
	if r.eventsConsumed {
		return fmt.Errorf("events of run %d already consumed", r.runNumber)
	}
	r.eventsConsumed = true

	stmt := r.conn.Prep(`SELECT event_number,
		has_get, get_id, get_timestamp, get_timestamp_other,
		trace_rows, trace_cols, trace_data,
		has_frib, frib_event, frib_timestamp
		FROM events ORDER BY event_number`)
	defer stmt.Reset()

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return fmt.Errorf("failed to read events of run %d: %w", r.runNumber, err)
		}
		if !hasRow {
			return nil
		}

		ev, err := r.scanEvent(stmt)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (r *RunReader) scanEvent(stmt *sqlite.Stmt) (*Event, error) {
	ev := &Event{
		RunNumber:   r.runNumber,
		EventNumber: stmt.ColumnInt64(0),
	}

	if stmt.ColumnInt64(1) != 0 {
		get := &GetTraces{
			ID:             uint32(stmt.ColumnInt64(2)),
			Timestamp:      uint64(stmt.ColumnInt64(3)),
			TimestampOther: uint64(stmt.ColumnInt64(4)),
			Rows:           int(stmt.ColumnInt64(5)),
			Cols:           int(stmt.ColumnInt64(6)),
		}
		get.Data = make([]byte, stmt.ColumnLen(7))
		stmt.ColumnBytes(7, get.Data)
		if len(get.Data) != get.Rows*get.Cols*2 {
			return nil, fmt.Errorf("%w: run %d event %d trace dataset has %d bytes, want %d",
				ErrFormat, r.runNumber, ev.EventNumber, len(get.Data), get.Rows*get.Cols*2)
		}
		ev.Get = get
	}

	if stmt.ColumnInt64(8) != 0 {
		frib := &FribPhysics{
			Event:     uint32(stmt.ColumnInt64(9)),
			Timestamp: uint32(stmt.ColumnInt64(10)),
		}
		channels, err := r.readPhysics(ev.EventNumber)
		if err != nil {
			return nil, err
		}
		frib.Channels = channels
		ev.Frib = frib
	}

	return ev, nil
}

// readPhysics loads the named physics sub-datasets of one event, ascending
// by channel name.
func (r *RunReader) readPhysics(eventNumber int64) ([]PhysicsChannel, error) {
	stmt := r.conn.Prep("SELECT channel, rows, cols, data FROM physics WHERE event_number = ? ORDER BY channel")
	defer stmt.Reset()
	stmt.BindInt64(1, eventNumber)

	var channels []PhysicsChannel
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to read physics of run %d event %d: %w", r.runNumber, eventNumber, err)
		}
		if !hasRow {
			break
		}

		ch := PhysicsChannel{
			Name: stmt.ColumnText(0),
			Rows: int(stmt.ColumnInt64(1)),
			Cols: int(stmt.ColumnInt64(2)),
		}
		ch.Data = make([]byte, stmt.ColumnLen(3))
		stmt.ColumnBytes(3, ch.Data)
		if len(ch.Data) != ch.Rows*ch.Cols*2 {
			return nil, fmt.Errorf("%w: run %d event %d channel %q has %d bytes, want %d",
				ErrFormat, r.runNumber, eventNumber, ch.Name, len(ch.Data), ch.Rows*ch.Cols*2)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// ForEachScaler streams every scaler record in ascending timestamp order.
// Single-pass, like ForEachEvent.
func (r *RunReader) ForEachScaler(fn func(*ScalerRecord) error) error {
	if r.scalersConsumed {
		return fmt.Errorf("scalers of run %d already consumed", r.runNumber)
	}
	r.scalersConsumed = true

	query := "SELECT scaler_event, timestamp"
	for _, name := range ScalerChannelNames {
		query += ", " + name
	}
	query += " FROM scalers ORDER BY timestamp, scaler_event"

	stmt := r.conn.Prep(query)
	defer stmt.Reset()

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return fmt.Errorf("failed to read scalers of run %d: %w", r.runNumber, err)
		}
		if !hasRow {
			return nil
		}

		rec := &ScalerRecord{
			ScalerEvent: stmt.ColumnInt64(0),
			Timestamp:   stmt.ColumnInt64(1),
		}
		for i := range rec.Channels {
			rec.Channels[i] = uint32(stmt.ColumnInt64(2 + i))
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// readAttrs loads the run_attrs table into a map.
func readAttrs(conn *sqlite.Conn) (map[string]string, error) {
	stmt := conn.Prep("SELECT key, value FROM run_attrs")
	defer stmt.Reset()

	attrs := make(map[string]string)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to read run attributes: %w", err)
		}
		if !hasRow {
			return attrs, nil
		}
		attrs[stmt.ColumnText(0)] = stmt.ColumnText(1)
	}
}
