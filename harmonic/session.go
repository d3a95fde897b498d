package harmonic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/attpc/harmonizer/merger"
)

// Options configure one harmonizer session. The caller owns parsing and
// validating whatever surface these values come from; the session only
// consumes them.
type Options struct {
	// MergerDir holds the input run files.
	MergerDir string
	// HarmonicDir receives the harmonic runs and the scaler table. It must
	// already exist.
	HarmonicDir string
	// BudgetBytes is the size budget of each harmonic run.
	BudgetBytes int64
	// MinRun and MaxRun bound the run range, inclusive.
	MinRun int
	MaxRun int
	// Overwrite allows replacing output already in HarmonicDir.
	Overwrite bool
	// ProgressInterval is how often progress is logged. Zero disables
	// progress reporting.
	ProgressInterval time.Duration
}

// Report summarizes a completed session.
type Report struct {
	Session       string
	RunsProcessed []int
	RunsMissing   []int
	Events        int64
	HarmonicRuns  int
	ScalerRows    int
	ScalerTable   string
	InputBytes    int64
}

// Session drives one complete harmonization pass: catalog discovery,
// per-run streaming into the segment writer and scaler aggregator, and the
// final flush of both. Sessions hold no global state, so independent
// sessions can run within one process.
type Session struct {
	opts Options
	id   string
}

// NewSession creates a session with a fresh session identifier.
func NewSession(opts Options) *Session {
	return &Session{
		opts: opts,
		id:   ulid.Make().String(),
	}
}

// ID returns the session identifier stamped into every harmonic run.
func (s *Session) ID() string { return s.id }

// Run performs the single linear pass over the run range. Runs missing on
// disk are skipped with a warning; any format or I/O failure aborts the
// whole session, since a partially copied run would break the one-to-one
// mapping between input and output events. All file handles are released on
// every exit path.
func (s *Session) Run(ctx context.Context) (report *Report, err error) {
	discovery, err := merger.Discover(s.opts.MergerDir, s.opts.MinRun, s.opts.MaxRun)
	if err != nil {
		return nil, err
	}

	totalEvents, err := merger.TotalEvents(discovery)
	if err != nil {
		return nil, err
	}

	slog.Info("starting harmonizer session",
		slog.String("session", s.id),
		slog.Int("runs", len(discovery.Runs)),
		slog.Int("missing", len(discovery.Missing)),
		slog.Int64("events", totalEvents),
		slog.Int64("input_bytes", discovery.TotalBytes),
		slog.Int64("budget_bytes", s.opts.BudgetBytes))

	writer, err := NewSegmentWriter(s.opts.HarmonicDir, s.opts.BudgetBytes, WriterOptions{
		Overwrite: s.opts.Overwrite,
		Session:   s.id,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			writer.Discard()
		}
	}()

	aggregator := NewScalerAggregator(s.opts.HarmonicDir, s.opts.Overwrite)

	var progress *ProgressTracker
	if s.opts.ProgressInterval > 0 {
		progress = NewProgressTracker(totalEvents, s.opts.ProgressInterval)
		progress.Start()
		defer progress.Stop()
	}

	var processed []int
	for _, handle := range discovery.Runs {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		if err = s.processRun(handle, writer, aggregator, progress); err != nil {
			return nil, err
		}
		processed = append(processed, handle.RunNumber)
	}

	// Flush the partially filled final segment, then write the table.
	if err = writer.Close(); err != nil {
		return nil, err
	}
	tablePath, err := aggregator.Finalize()
	if err != nil {
		return nil, err
	}

	report = &Report{
		Session:       s.id,
		RunsProcessed: processed,
		RunsMissing:   discovery.Missing,
		Events:        writer.Events(),
		HarmonicRuns:  writer.Segments(),
		ScalerRows:    aggregator.RowCount(),
		ScalerTable:   tablePath,
		InputBytes:    discovery.TotalBytes,
	}

	slog.Info("harmonizer session complete",
		slog.String("session", s.id),
		slog.Int64("events", report.Events),
		slog.Int("harmonic_runs", report.HarmonicRuns),
		slog.Int("scaler_rows", report.ScalerRows))
	return report, nil
}

// processRun streams one run: events through the size accountant into the
// writer, scalers into the aggregator. The reader is closed on every path.
func (s *Session) processRun(handle merger.RunHandle, writer *SegmentWriter, aggregator *ScalerAggregator, progress *ProgressTracker) error {
	reader, err := merger.OpenRun(handle.Path, handle.RunNumber)
	if err != nil {
		return err
	}
	defer reader.Close()

	err = reader.ForEachEvent(func(ev *merger.Event) error {
		if err := writer.Submit(ev, EventSize(ev)); err != nil {
			return err
		}
		if progress != nil {
			progress.Add(1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("run %d: %w", handle.RunNumber, err)
	}

	err = reader.ForEachScaler(func(rec *merger.ScalerRecord) error {
		aggregator.Accept(rec, handle.RunNumber)
		return nil
	})
	if err != nil {
		return fmt.Errorf("run %d: %w", handle.RunNumber, err)
	}

	return nil
}
