package harmonic

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/compress"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"

	"github.com/attpc/harmonizer/merger"
)

// ScalerTableName is the name of the consolidated scaler table written to
// the harmonic directory.
const ScalerTableName = "scalers.parquet"

// scalerChunkSize bounds the rows per Parquet row group during finalize.
const scalerChunkSize = 50000

// ScalerSchema is the Arrow schema of the consolidated scaler table. Each
// row carries the originating run, the scaler event number, and the readout
// timestamp alongside the counter values, so downstream analyses can still
// resolve temporal changes after repacking.
var ScalerSchema = arrow.NewSchema(scalerFields(), nil)

func scalerFields() []arrow.Field {
	fields := []arrow.Field{
		{Name: "run", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "event", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}
	for _, name := range merger.ScalerChannelNames {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Uint32, Nullable: false})
	}
	return fields
}

// scalerRow is one accumulated scaler readout tagged with its source run.
type scalerRow struct {
	Run         int32
	ScalerEvent int64
	Timestamp   int64
	Channels    [merger.NumScalerChannels]uint32
}

// ScalerAggregator accumulates the scaler records of every processed run
// into one session-wide table, entirely independent of how events are
// partitioned into harmonic runs. Finalize writes the table exactly once.
type ScalerAggregator struct {
	path      string
	overwrite bool
	rows      []scalerRow
	finalized bool
}

// NewScalerAggregator creates an aggregator that will write its table to
// dir on Finalize.
func NewScalerAggregator(dir string, overwrite bool) *ScalerAggregator {
	return &ScalerAggregator{
		path:      filepath.Join(dir, ScalerTableName),
		overwrite: overwrite,
	}
}

// Accept appends one scaler record from the given source run. Records are
// kept in submission order: ascending run number, then ascending timestamp
// within a run.
func (a *ScalerAggregator) Accept(rec *merger.ScalerRecord, runNumber int) {
	a.rows = append(a.rows, scalerRow{
		Run:         int32(runNumber),
		ScalerEvent: rec.ScalerEvent,
		Timestamp:   rec.Timestamp,
		Channels:    rec.Channels,
	})
}

// RowCount returns the number of accumulated records.
func (a *ScalerAggregator) RowCount() int { return len(a.rows) }

// Finalize writes the consolidated table to the destination directory,
// one row group per chunk, through a temp file renamed into place. It fails
// if a table of that name is already present without overwrite permission.
func (a *ScalerAggregator) Finalize() (string, error) {
	if a.finalized {
		return "", fmt.Errorf("scaler table already finalized")
	}
	a.finalized = true

	if _, err := os.Stat(a.path); err == nil && !a.overwrite {
		return "", fmt.Errorf("%w: %s", ErrOutputExists, a.path)
	} else if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat %s: %w", a.path, err)
	}

	w, err := newScalerTableWriter(a.path)
	if err != nil {
		return "", err
	}

	for start := 0; start < len(a.rows); start += scalerChunkSize {
		end := start + scalerChunkSize
		if end > len(a.rows) {
			end = len(a.rows)
		}
		if err := w.writeChunk(a.rows[start:end]); err != nil {
			w.abort()
			return "", err
		}
	}

	if err := w.close(); err != nil {
		return "", err
	}

	slog.Info("wrote consolidated scaler table",
		slog.String("path", a.path),
		slog.Int("rows", len(a.rows)))
	return a.path, nil
}

// scalerTableWriter writes the scaler table in chunks, creating a new row
// group per chunk to bound memory usage. It writes to a temp file first and
// renames on close.
type scalerTableWriter struct {
	outputPath string
	tmpPath    string
	writer     *pqarrow.FileWriter
}

func newScalerTableWriter(outputPath string) (*scalerTableWriter, error) {
	tmpPath := outputPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file %s: %w", tmpPath, err)
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Lz4Raw),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	writer, err := pqarrow.NewFileWriter(ScalerSchema, file, writerProps, arrowProps)
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	return &scalerTableWriter{
		outputPath: outputPath,
		tmpPath:    tmpPath,
		writer:     writer,
	}, nil
}

func (w *scalerTableWriter) writeChunk(rows []scalerRow) error {
	if len(rows) == 0 {
		return nil
	}

	// Fresh allocator per chunk, released with the batch.
	alloc := memory.NewGoAllocator()
	batch := buildScalerBatch(alloc, rows)
	defer batch.Release()

	if err := w.writer.WriteBuffered(batch); err != nil {
		return fmt.Errorf("failed to write scaler chunk: %w", err)
	}
	return nil
}

// close finalizes the parquet file and renames it into place.
// Note: pqarrow.FileWriter.Close() closes the underlying file.
func (w *scalerTableWriter) close() error {
	if err := w.writer.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.outputPath); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (w *scalerTableWriter) abort() {
	w.writer.Close()
	os.Remove(w.tmpPath)
}

func buildScalerBatch(alloc memory.Allocator, rows []scalerRow) arrow.Record {
	runBuilder := array.NewInt32Builder(alloc)
	defer runBuilder.Release()

	eventBuilder := array.NewInt64Builder(alloc)
	defer eventBuilder.Release()

	timestampBuilder := array.NewInt64Builder(alloc)
	defer timestampBuilder.Release()

	channelBuilders := make([]*array.Uint32Builder, merger.NumScalerChannels)
	for i := range channelBuilders {
		channelBuilders[i] = array.NewUint32Builder(alloc)
		defer channelBuilders[i].Release()
	}

	for _, r := range rows {
		runBuilder.Append(r.Run)
		eventBuilder.Append(r.ScalerEvent)
		timestampBuilder.Append(r.Timestamp)
		for i, v := range r.Channels {
			channelBuilders[i].Append(v)
		}
	}

	cols := []arrow.Array{
		runBuilder.NewArray(),
		eventBuilder.NewArray(),
		timestampBuilder.NewArray(),
	}
	for _, b := range channelBuilders {
		cols = append(cols, b.NewArray())
	}

	return array.NewRecord(ScalerSchema, cols, int64(len(rows)))
}
