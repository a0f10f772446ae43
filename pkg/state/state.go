package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the canonical runtime folder layout under the DB path.
type Paths struct {
	Store     string
	Audit     string
	Crash     string
	Telemetry string
	Tmp       string
}

// PathsVar holds the resolved layout after EnsureStateDirs.
var PathsVar Paths

// EnsureStateDirs creates the runtime folder layout under dbPath with
// restrictive permissions and verifies each path is a writable directory
// rather than a symlink.
func EnsureStateDirs(dbPath string) error {
	statePath := filepath.Join(dbPath, "state")
	p := Paths{
		Store:     filepath.Join(dbPath, "store"),
		Audit:     filepath.Join(statePath, "audit"),
		Crash:     filepath.Join(statePath, "crash"),
		Telemetry: filepath.Join(statePath, "telemetry"),
		Tmp:       filepath.Join(statePath, "tmp"),
	}

	for _, dir := range []string{p.Store, p.Audit, p.Crash, p.Telemetry, p.Tmp} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		fi, err := os.Lstat(dir)
		if err != nil {
			return fmt.Errorf("stat %s: %w", dir, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%s is a symlink; refusing to use it", dir)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		probe := filepath.Join(dir, ".probe")
		if err := os.WriteFile(probe, nil, 0o600); err != nil {
			return fmt.Errorf("%s not writable: %w", dir, err)
		}
		_ = os.Remove(probe)
	}

	PathsVar = p
	return nil
}
