package merger

import (
	"errors"
	"fmt"

	"crawshaw.io/sqlite"
)

// ErrFormat reports a run file whose structure is absent or malformed.
// It is fatal for the whole session: a partially read run would break the
// one-to-one mapping between input and output events.
var ErrFormat = errors.New("invalid merger run format")

// CreateRunScript is the DDL for a merger run file. The merger producer and
// test fixtures use it; the reader only validates against it.
//
// The hierarchy of the original format maps onto tables: run_attrs holds the
// top-level attributes, each events row is one per-event subgroup with its
// trace dataset and dataset attributes inlined as columns, physics rows are
// the named sub-datasets of the per-event physics group, and scalers rows
// are the per-run scaler readouts.
const CreateRunScript = `
CREATE TABLE IF NOT EXISTS run_attrs (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_number        INTEGER PRIMARY KEY,
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

CREATE TABLE IF NOT EXISTS scalers (
	scaler_event INTEGER PRIMARY KEY,
	timestamp    INTEGER NOT NULL,
	clock_free   INTEGER NOT NULL,
	clock_live   INTEGER NOT NULL,
	trig_free    INTEGER NOT NULL,
	trig_live    INTEGER NOT NULL,
	ic_sca       INTEGER NOT NULL,
	mesh_sca     INTEGER NOT NULL,
	si1_cfd      INTEGER NOT NULL,
	si2          INTEGER NOT NULL,
	sipm         INTEGER NOT NULL,
	ic_ds        INTEGER NOT NULL,
	ic_cfd       INTEGER NOT NULL
);
`

// requiredSchema maps each required table to the columns the reader depends
// on. Extra tables or columns are tolerated; missing ones are a format error.
var requiredSchema = map[string][]string{
	"run_attrs": {"key", "value"},
	"events": {
		"event_number",
		"has_get", "get_id", "get_timestamp", "get_timestamp_other",
		"trace_rows", "trace_cols", "trace_data",
		"has_frib", "frib_event", "frib_timestamp",
	},
	"physics": {"event_number", "channel", "rows", "cols", "data"},
	"scalers": append([]string{"scaler_event", "timestamp"}, ScalerChannelNames[:]...),
}

// validateSchema eagerly checks that every required table and column is
// present, so a malformed run fails at open time rather than at first
// field access.
func validateSchema(conn *sqlite.Conn) error {
	for table, cols := range requiredSchema {
		present, err := tableColumns(conn, table)
		if err != nil {
			return err
		}
		if len(present) == 0 {
			return fmt.Errorf("%w: missing table %q", ErrFormat, table)
		}
		for _, col := range cols {
			if !present[col] {
				return fmt.Errorf("%w: table %q missing column %q", ErrFormat, table, col)
			}
		}
	}
	return nil
}

// tableColumns returns the set of column names of a table, or an empty set
// if the table does not exist. table must be a trusted constant.
func tableColumns(conn *sqlite.Conn, table string) (map[string]bool, error) {
	stmt := conn.Prep(fmt.Sprintf("PRAGMA table_info(%q)", table))
	defer stmt.Reset()

	cols := make(map[string]bool)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to inspect table %q: %w", table, err)
		}
		if !hasRow {
			break
		}
		cols[stmt.GetText("name")] = true
	}
	return cols, nil
}
