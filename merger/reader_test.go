package merger_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"crawshaw.io/sqlite/sqlitex"

	"github.com/attpc/harmonizer/merger"
	"github.com/attpc/harmonizer/merger/mergertest"
)

func TestOpenRunMissingFile(t *testing.T) {
	_, err := merger.OpenRun(filepath.Join(t.TempDir(), "run_0001.db"), 1)
	if err == nil {
		t.Fatal("expected error opening missing run")
	}
	if errors.Is(err, merger.ErrFormat) {
		t.Error("missing file should not be a format error")
	}
}

func TestOpenRunRejectsWrongSchema(t *testing.T) {
	dir := t.TempDir()
	path := merger.RunPath(dir, 7)

	pool, err := sqlitex.Open(path, 0, 1)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	conn := pool.Get(nil)
	if err := sqlitex.ExecScript(conn, "CREATE TABLE unrelated (x INTEGER);"); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	pool.Put(conn)
	pool.Close()

	_, err = merger.OpenRun(path, 7)
	if !errors.Is(err, merger.ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}

func TestOpenRunRejectsMissingAttrs(t *testing.T) {
	dir := t.TempDir()
	path := merger.RunPath(dir, 8)

	// Valid tables but no min_event/max_event/version attributes.
	pool, err := sqlitex.Open(path, 0, 1)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	conn := pool.Get(nil)
	if err := sqlitex.ExecScript(conn, merger.CreateRunScript); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	pool.Put(conn)
	pool.Close()

	_, err = merger.OpenRun(path, 8)
	if !errors.Is(err, merger.ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}

func TestReaderStreamsEventsInOrder(t *testing.T) {
	dir := t.TempDir()
	spec := mergertest.RunSpec{
		RunNumber: 55,
		Events: []mergertest.EventSpec{
			{
				EventNumber: 0,
				Get:         &mergertest.GetSpec{ID: 11, Timestamp: 100, TimestampOther: 200, Rows: 2, Cols: 8},
				Frib: &mergertest.FribSpec{
					Event:     1,
					Timestamp: 42,
					Channels: []mergertest.ChannelSpec{
						{Name: "1903", Rows: 1, Cols: 16},
						{Name: "977", Rows: 1, Cols: 4},
					},
				},
			},
			{EventNumber: 1, Get: &mergertest.GetSpec{ID: 12, Timestamp: 101, TimestampOther: 201, Rows: 1, Cols: 4}},
			{EventNumber: 2, Frib: &mergertest.FribSpec{Event: 2, Timestamp: 43}},
		},
	}
	path := mergertest.WriteRun(t, dir, spec)

	r, err := merger.OpenRun(path, 55)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	defer r.Close()

	var got []*merger.Event
	err = r.ForEachEvent(func(ev *merger.Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachEvent failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}

	for i, ev := range got {
		if ev.EventNumber != int64(i) {
			t.Errorf("event %d: got event number %d", i, ev.EventNumber)
		}
		if ev.RunNumber != 55 {
			t.Errorf("event %d: got run number %d", i, ev.RunNumber)
		}
	}

	ev0 := got[0]
	if ev0.Get == nil || ev0.Frib == nil {
		t.Fatal("event 0 should have both blocks")
	}
	if ev0.Get.ID != 11 || ev0.Get.Timestamp != 100 || ev0.Get.TimestampOther != 200 {
		t.Errorf("event 0 trace attributes mismatched: %+v", ev0.Get)
	}
	if want := mergertest.SampleData(0, 2, 8); !bytes.Equal(ev0.Get.Data, want) {
		t.Error("event 0 trace payload mismatched")
	}
	// Channels come back ascending by name.
	if len(ev0.Frib.Channels) != 2 || ev0.Frib.Channels[0].Name != "1903" || ev0.Frib.Channels[1].Name != "977" {
		t.Errorf("unexpected channel order: %+v", ev0.Frib.Channels)
	}
	if want := mergertest.SampleData(0, 1, 4); !bytes.Equal(ev0.Frib.Channels[1].Data, want) {
		t.Error("channel 977 payload mismatched")
	}

	if got[1].Frib != nil {
		t.Error("event 1 should have no physics block")
	}
	if got[2].Get != nil {
		t.Error("event 2 should have no trace block")
	}
	if got[2].Frib == nil || got[2].Frib.Event != 2 || len(got[2].Frib.Channels) != 0 {
		t.Errorf("event 2 physics block mismatched: %+v", got[2].Frib)
	}
}

func TestReaderEventsSinglePass(t *testing.T) {
	dir := t.TempDir()
	path := mergertest.WriteRun(t, dir, mergertest.RunSpec{
		RunNumber: 1,
		Events:    []mergertest.EventSpec{mergertest.TraceEvent(0, 10)},
	})

	r, err := merger.OpenRun(path, 1)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	defer r.Close()

	noop := func(*merger.Event) error { return nil }
	if err := r.ForEachEvent(noop); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if err := r.ForEachEvent(noop); err == nil {
		t.Fatal("expected error on second event pass")
	}
}

func TestReaderScalersAscendingTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := mergertest.WriteRun(t, dir, mergertest.RunSpec{
		RunNumber: 2,
		Scalers: []mergertest.ScalerSpec{
			mergertest.Scaler(0, 300),
			mergertest.Scaler(1, 100),
			mergertest.Scaler(2, 200),
		},
	})

	r, err := merger.OpenRun(path, 2)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	defer r.Close()

	var timestamps []int64
	err = r.ForEachScaler(func(rec *merger.ScalerRecord) error {
		timestamps = append(timestamps, rec.Timestamp)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachScaler failed: %v", err)
	}

	want := []int64{100, 200, 300}
	if len(timestamps) != len(want) {
		t.Fatalf("expected %d scalers, got %d", len(want), len(timestamps))
	}
	for i := range want {
		if timestamps[i] != want[i] {
			t.Errorf("scaler %d: got timestamp %d, want %d", i, timestamps[i], want[i])
		}
	}
}

func TestReaderScalerChannels(t *testing.T) {
	dir := t.TempDir()
	path := mergertest.WriteRun(t, dir, mergertest.RunSpec{
		RunNumber: 3,
		Scalers:   []mergertest.ScalerSpec{mergertest.Scaler(4, 10)},
	})

	r, err := merger.OpenRun(path, 3)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	defer r.Close()

	err = r.ForEachScaler(func(rec *merger.ScalerRecord) error {
		for i, v := range rec.Channels {
			if want := uint32(400 + i); v != want {
				t.Errorf("channel %s: got %d, want %d", merger.ScalerChannelNames[i], v, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachScaler failed: %v", err)
	}
}

func TestEventBoundsAndCount(t *testing.T) {
	dir := t.TempDir()
	path := mergertest.WriteRun(t, dir, mergertest.RunSpec{
		RunNumber: 4,
		Events: []mergertest.EventSpec{
			mergertest.TraceEvent(5, 10),
			mergertest.TraceEvent(6, 10),
			mergertest.TraceEvent(7, 10),
		},
	})

	r, err := merger.OpenRun(path, 4)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	defer r.Close()

	min, max, err := r.EventBounds()
	if err != nil {
		t.Fatalf("EventBounds failed: %v", err)
	}
	if min != 5 || max != 7 {
		t.Errorf("got bounds [%d, %d], want [5, 7]", min, max)
	}

	n, err := r.EventCount()
	if err != nil {
		t.Fatalf("EventCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("got %d events, want 3", n)
	}

	if v, ok := r.Attr(merger.AttrVersion); !ok || v != mergertest.Version {
		t.Errorf("version attribute: got %q, %t", v, ok)
	}
}
