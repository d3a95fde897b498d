package harmonic_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v18/parquet/file"

	"github.com/attpc/harmonizer/harmonic"
	"github.com/attpc/harmonizer/merger"
)

func scalerRecord(scalerEvent, timestamp int64) *merger.ScalerRecord {
	rec := &merger.ScalerRecord{ScalerEvent: scalerEvent, Timestamp: timestamp}
	for i := range rec.Channels {
		rec.Channels[i] = uint32(scalerEvent*10 + int64(i))
	}
	return rec
}

func TestScalerAggregatorWritesSingleTable(t *testing.T) {
	dir := t.TempDir()
	agg := harmonic.NewScalerAggregator(dir, false)

	for run := 55; run <= 57; run++ {
		for i := int64(0); i < 4; i++ {
			agg.Accept(scalerRecord(i, 100+i), run)
		}
	}
	if agg.RowCount() != 12 {
		t.Fatalf("expected 12 accumulated rows, got %d", agg.RowCount())
	}

	path, err := agg.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if path != filepath.Join(dir, harmonic.ScalerTableName) {
		t.Errorf("unexpected table path %s", path)
	}

	reader, err := file.OpenParquetFile(path, false)
	if err != nil {
		t.Fatalf("failed to open parquet file: %v", err)
	}
	defer reader.Close()

	if reader.NumRows() != 12 {
		t.Errorf("expected 12 rows, got %d", reader.NumRows())
	}
	// run, event, timestamp plus one column per scaler channel.
	wantCols := 3 + merger.NumScalerChannels
	if got := reader.MetaData().Schema.NumColumns(); got != wantCols {
		t.Errorf("expected %d columns, got %d", wantCols, got)
	}
}

func TestScalerAggregatorEmptySession(t *testing.T) {
	dir := t.TempDir()
	agg := harmonic.NewScalerAggregator(dir, false)

	path, err := agg.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	reader, err := file.OpenParquetFile(path, false)
	if err != nil {
		t.Fatalf("failed to open parquet file: %v", err)
	}
	defer reader.Close()
	if reader.NumRows() != 0 {
		t.Errorf("expected empty table, got %d rows", reader.NumRows())
	}
}

func TestScalerAggregatorRefusesExistingTable(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, harmonic.ScalerTableName)
	if err := os.WriteFile(stale, []byte("stale"), 0644); err != nil {
		t.Fatalf("failed to pre-create table: %v", err)
	}

	agg := harmonic.NewScalerAggregator(dir, false)
	agg.Accept(scalerRecord(0, 1), 55)
	if _, err := agg.Finalize(); !errors.Is(err, harmonic.ErrOutputExists) {
		t.Fatalf("expected ErrOutputExists, got %v", err)
	}

	// With overwrite permission the stale table is replaced.
	agg2 := harmonic.NewScalerAggregator(dir, true)
	agg2.Accept(scalerRecord(0, 1), 55)
	path, err := agg2.Finalize()
	if err != nil {
		t.Fatalf("Finalize with overwrite failed: %v", err)
	}
	reader, err := file.OpenParquetFile(path, false)
	if err != nil {
		t.Fatalf("failed to open parquet file: %v", err)
	}
	defer reader.Close()
	if reader.NumRows() != 1 {
		t.Errorf("expected 1 row, got %d", reader.NumRows())
	}
}

func TestScalerAggregatorFinalizeOnce(t *testing.T) {
	agg := harmonic.NewScalerAggregator(t.TempDir(), false)
	if _, err := agg.Finalize(); err != nil {
		t.Fatalf("first Finalize failed: %v", err)
	}
	if _, err := agg.Finalize(); err == nil {
		t.Fatal("expected error on second Finalize")
	}
}
