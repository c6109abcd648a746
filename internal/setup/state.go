package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/repositories/local"
)

const (
	EnvStateDir = "DBMATRIX_STATE_DIR"
	leasesDir   = "leases"
)

// DefaultStateDir is $DBMATRIX_STATE_DIR, else $XDG_STATE_HOME/dbmatrix,
// else ~/.local/state/dbmatrix.
func DefaultStateDir() string {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "dbmatrix")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "dbmatrix")
	}
	return filepath.Join(home, ".local", "state", "dbmatrix")
}

func LeasesDir(stateDir string) string {
	return filepath.Join(stateDir, leasesDir)
}

// LeaseJournal returns the journal stored under stateDir.
func LeaseJournal(stateDir string) *local.LocalLeaseRepository {
	return &local.LocalLeaseRepository{BaseDir: LeasesDir(stateDir)}
}

// Prepare creates the state directory layout.
func Prepare(stateDir string) error {
	getLogger().Info("preparing state directory", "path", stateDir)
	if err := os.MkdirAll(LeasesDir(stateDir), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return nil
}

// Verify checks that the state directory exists and is writable.
func Verify(stateDir string) error {
	dir := LeasesDir(stateDir)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("directory %s does not exist", dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// ClearState removes the lease journal. Leases still held by live
// processes are kept unless force is set.
func ClearState(stateDir string, force bool) error {
	getLogger().Info("clearing state directory", "path", stateDir, "force", force)

	if force {
		if err := os.RemoveAll(LeasesDir(stateDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", LeasesDir(stateDir), err)
		}
		return nil
	}
	_, err := PruneLeases(LeaseJournal(stateDir))
	return err
}

// PruneLeases deletes journal entries whose owning process is gone and
// returns them.
func PruneLeases(journal allocation.LeaseRepository) ([]allocation.LeaseRecord, error) {
	records, err := journal.ListActive()
	if err != nil {
		return nil, err
	}
	var pruned []allocation.LeaseRecord
	for _, rec := range records {
		if rec.PID > 0 && processAlive(rec.PID) {
			continue
		}
		if err := journal.Delete(rec.ID); err != nil {
			return pruned, fmt.Errorf("delete lease %s: %w", rec.ID, err)
		}
		getLogger().Info("pruned stale lease", "lease", rec.ID, "profile", rec.Profile, "pid", rec.PID)
		pruned = append(pruned, rec)
	}
	return pruned, nil
}
