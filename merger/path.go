package merger

import (
	"fmt"
	"path/filepath"
)

// RunPath constructs the formatted run file path from a parent directory and
// run number. Both merger input runs and harmonic output runs use this
// naming scheme.
func RunPath(dir string, runNumber int) string {
	return filepath.Join(dir, fmt.Sprintf("run_%04d.db", runNumber))
}
