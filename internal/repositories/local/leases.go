package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/dbmatrix/internal/allocation"
)

var _ allocation.LeaseRepository = (*LocalLeaseRepository)(nil)

// LocalLeaseRepository persists lease records as JSON files under BaseDir,
// one file per lease named after its ID.
type LocalLeaseRepository struct {
	BaseDir string
}

// Save writes the record atomically.
func (rep *LocalLeaseRepository) Save(record allocation.LeaseRecord) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if record.ID == "" {
		return errors.New("lease id is required")
	}

	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(rep.BaseDir, "."+record.ID+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), rep.path(record.ID))
}

// Get returns the record with the provided ID, or nil when none exists.
func (rep *LocalLeaseRepository) Get(leaseID string) (*allocation.LeaseRecord, error) {
	if leaseID == "" {
		return nil, errors.New("lease id is required")
	}
	return rep.load(rep.path(leaseID))
}

// ListActive returns every record that has not been released, oldest first.
func (rep *LocalLeaseRepository) ListActive() ([]allocation.LeaseRecord, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var records []allocation.LeaseRecord
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		record, err := rep.load(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if record == nil || record.State == allocation.StateReleased {
			continue
		}
		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LeasedAt.Before(records[j].LeasedAt)
	})
	return records, nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (rep *LocalLeaseRepository) Delete(leaseID string) error {
	if leaseID == "" {
		return errors.New("lease id is required")
	}
	if err := os.Remove(rep.path(leaseID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (rep *LocalLeaseRepository) path(leaseID string) string {
	return filepath.Join(rep.BaseDir, leaseID+".json")
}

func (rep *LocalLeaseRepository) load(path string) (*allocation.LeaseRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var record allocation.LeaseRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode lease record %s: %w", path, err)
	}
	return &record, nil
}
