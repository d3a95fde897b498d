// Package mergertest builds synthetic merger run files for tests.
package mergertest

import (
	"encoding/binary"
	"strconv"
	"testing"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/attpc/harmonizer/merger"
)

// Version is the producer version stamped into generated run files.
const Version = "attpc_merger:0.2.0"

// GetSpec describes the GET trace block of a synthetic event.
type GetSpec struct {
	ID             uint32
	Timestamp      uint64
	TimestampOther uint64
	Rows           int
	Cols           int
}

// ChannelSpec describes one physics channel dataset.
type ChannelSpec struct {
	Name string
	Rows int
	Cols int
}

// FribSpec describes the FRIB physics block of a synthetic event.
type FribSpec struct {
	Event     uint32
	Timestamp uint32
	Channels  []ChannelSpec
}

// EventSpec describes one synthetic event.
type EventSpec struct {
	EventNumber int64
	Get         *GetSpec
	Frib        *FribSpec
}

// ScalerSpec describes one synthetic scaler readout.
type ScalerSpec struct {
	ScalerEvent int64
	Timestamp   int64
	Channels    [merger.NumScalerChannels]uint32
}

// RunSpec describes one synthetic run file.
type RunSpec struct {
	RunNumber int
	Events    []EventSpec
	Scalers   []ScalerSpec
	// Attrs are extra top-level attributes beyond min_event/max_event/version.
	Attrs map[string]string
}

// TraceEvent returns an event with a GET-only payload of payloadBytes bytes.
// payloadBytes must be a multiple of two (int16 samples).
func TraceEvent(eventNumber int64, payloadBytes int) EventSpec {
	if payloadBytes%2 != 0 {
		panic("payloadBytes must be even")
	}
	return EventSpec{
		EventNumber: eventNumber,
		Get: &GetSpec{
			ID:             uint32(eventNumber),
			Timestamp:      uint64(1000 + eventNumber),
			TimestampOther: uint64(2000 + eventNumber),
			Rows:           1,
			Cols:           payloadBytes / 2,
		},
	}
}

// Scaler returns a scaler readout whose channel values are derived from the
// scaler event number.
func Scaler(scalerEvent, timestamp int64) ScalerSpec {
	s := ScalerSpec{ScalerEvent: scalerEvent, Timestamp: timestamp}
	for i := range s.Channels {
		s.Channels[i] = uint32(scalerEvent*100 + int64(i))
	}
	return s
}

// WriteRun creates a valid run file under dir and returns its path.
func WriteRun(tb testing.TB, dir string, spec RunSpec) string {
	tb.Helper()

	path := merger.RunPath(dir, spec.RunNumber)
	pool, err := sqlitex.Open(path, 0, 1)
	if err != nil {
		tb.Fatalf("open run fixture %s: %v", path, err)
	}
	defer pool.Close()

	conn := pool.Get(nil)
	if conn == nil {
		tb.Fatalf("get connection for run fixture %s", path)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecScript(conn, merger.CreateRunScript); err != nil {
		tb.Fatalf("create run schema: %v", err)
	}

	minEvent, maxEvent := int64(0), int64(-1)
	if len(spec.Events) > 0 {
		minEvent = spec.Events[0].EventNumber
		maxEvent = spec.Events[len(spec.Events)-1].EventNumber
	}

	attrs := map[string]string{
		merger.AttrMinEvent: strconv.FormatInt(minEvent, 10),
		merger.AttrMaxEvent: strconv.FormatInt(maxEvent, 10),
		merger.AttrVersion:  Version,
	}
	for k, v := range spec.Attrs {
		attrs[k] = v
	}
	for k, v := range attrs {
		stmt := conn.Prep("INSERT INTO run_attrs (key, value) VALUES (?, ?)")
		stmt.BindText(1, k)
		stmt.BindText(2, v)
		if _, err := stmt.Step(); err != nil {
			tb.Fatalf("insert attr %s: %v", k, err)
		}
		stmt.Reset()
	}

	for _, ev := range spec.Events {
		insertEvent(tb, conn, ev)
	}
	for _, sc := range spec.Scalers {
		insertScaler(tb, conn, sc)
	}

	return path
}

func insertEvent(tb testing.TB, conn *sqlite.Conn, ev EventSpec) {
	tb.Helper()

	stmt := conn.Prep(`INSERT INTO events (event_number,
		has_get, get_id, get_timestamp, get_timestamp_other,
		trace_rows, trace_cols, trace_data,
		has_frib, frib_event, frib_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	stmt.BindInt64(1, ev.EventNumber)

	if ev.Get != nil {
		stmt.BindInt64(2, 1)
		stmt.BindInt64(3, int64(ev.Get.ID))
		stmt.BindInt64(4, int64(ev.Get.Timestamp))
		stmt.BindInt64(5, int64(ev.Get.TimestampOther))
		stmt.BindInt64(6, int64(ev.Get.Rows))
		stmt.BindInt64(7, int64(ev.Get.Cols))
		stmt.BindBytes(8, SampleData(ev.EventNumber, ev.Get.Rows, ev.Get.Cols))
	} else {
		stmt.BindInt64(2, 0)
		for i := 3; i <= 8; i++ {
			stmt.BindNull(i)
		}
	}

	if ev.Frib != nil {
		stmt.BindInt64(9, 1)
		stmt.BindInt64(10, int64(ev.Frib.Event))
		stmt.BindInt64(11, int64(ev.Frib.Timestamp))
	} else {
		stmt.BindInt64(9, 0)
		stmt.BindNull(10)
		stmt.BindNull(11)
	}

	if _, err := stmt.Step(); err != nil {
		tb.Fatalf("insert event %d: %v", ev.EventNumber, err)
	}
	stmt.Reset()

	if ev.Frib == nil {
		return
	}
	for _, ch := range ev.Frib.Channels {
		chStmt := conn.Prep("INSERT INTO physics (event_number, channel, rows, cols, data) VALUES (?, ?, ?, ?, ?)")
		chStmt.BindInt64(1, ev.EventNumber)
		chStmt.BindText(2, ch.Name)
		chStmt.BindInt64(3, int64(ch.Rows))
		chStmt.BindInt64(4, int64(ch.Cols))
		chStmt.BindBytes(5, SampleData(ev.EventNumber, ch.Rows, ch.Cols))
		if _, err := chStmt.Step(); err != nil {
			tb.Fatalf("insert channel %s of event %d: %v", ch.Name, ev.EventNumber, err)
		}
		chStmt.Reset()
	}
}

func insertScaler(tb testing.TB, conn *sqlite.Conn, sc ScalerSpec) {
	tb.Helper()

	query := "INSERT INTO scalers (scaler_event, timestamp"
	placeholders := "?, ?"
	for _, name := range merger.ScalerChannelNames {
		query += ", " + name
		placeholders += ", ?"
	}
	query += ") VALUES (" + placeholders + ")"

	stmt := conn.Prep(query)
	stmt.BindInt64(1, sc.ScalerEvent)
	stmt.BindInt64(2, sc.Timestamp)
	for i, v := range sc.Channels {
		stmt.BindInt64(3+i, int64(v))
	}
	if _, err := stmt.Step(); err != nil {
		tb.Fatalf("insert scaler %d: %v", sc.ScalerEvent, err)
	}
	stmt.Reset()
}

// SampleData synthesizes a deterministic rows x cols int16 payload seeded by
// the event number, so tests can verify byte-exact copies.
func SampleData(seed int64, rows, cols int) []byte {
	data := make([]byte, rows*cols*2)
	for i := 0; i < rows*cols; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(seed)+uint16(i))
	}
	return data
}

