package merger

import (
	"fmt"
	"log/slog"
	"os"
)

// RunHandle identifies one discovered merger run on disk.
type RunHandle struct {
	RunNumber int
	Path      string
	Bytes     int64
}

// Discovery is the result of enumerating a run range: the runs found on
// disk in ascending run-number order, the run numbers absent from disk, and
// the total on-disk size of the discovered runs.
type Discovery struct {
	Runs       []RunHandle
	Missing    []int
	TotalBytes int64
}

// Discover enumerates existing run files for the inclusive range
// [minRun, maxRun] under dir. A run number with no file on disk is a
// non-fatal condition: runs may legitimately be absent from a range. Any
// other filesystem failure is returned as an error.
func Discover(dir string, minRun, maxRun int) (*Discovery, error) {
	if minRun > maxRun {
		return nil, fmt.Errorf("min run %d exceeds max run %d", minRun, maxRun)
	}

	d := &Discovery{}
	for run := minRun; run <= maxRun; run++ {
		path := RunPath(dir, run)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			slog.Warn("run missing from disk, skipping",
				slog.Int("run", run),
				slog.String("path", path))
			d.Missing = append(d.Missing, run)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat run %d at %s: %w", run, path, err)
		}
		d.Runs = append(d.Runs, RunHandle{
			RunNumber: run,
			Path:      path,
			Bytes:     info.Size(),
		})
		d.TotalBytes += info.Size()
	}
	return d, nil
}

// TotalEvents opens every discovered run and sums its event counts. Used to
// size the session progress report before processing starts; it also
// surfaces format errors before any output is written.
func TotalEvents(d *Discovery) (int64, error) {
	var total int64
	for _, h := range d.Runs {
		n, err := runEventCount(h)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func runEventCount(h RunHandle) (int64, error) {
	r, err := OpenRun(h.Path, h.RunNumber)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.EventCount()
}
