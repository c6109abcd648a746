package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/dbmatrix/internal/logging"
)

type LeaseState = string

const (
	StateUnleased LeaseState = "unleased"
	StateLeased   LeaseState = "leased"
	StatePrepared LeaseState = "prepared"
	StateReleased LeaseState = "released"
)

// LeaseRecord is the journal entry of a lease.
type LeaseRecord struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	Profile    string            `json:"profile"`
	Node       string            `json:"node"`
	Provider   string            `json:"provider"`
	State      LeaseState        `json:"state"`
	Resets     int               `json:"resets"`
	PID        int               `json:"pid"`
	LeasedAt   time.Time         `json:"leased_at"`
	PreparedAt time.Time         `json:"prepared_at,omitzero"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// LeaseRepository persists lease records so that leases left behind by a
// crashed run can be inspected.
type LeaseRepository interface {
	Save(record LeaseRecord) error
	Get(leaseID string) (*LeaseRecord, error)
	ListActive() ([]LeaseRecord, error)
	Delete(leaseID string) error
}

type cleanupStep struct {
	name string
	fn   func(ctx context.Context) error
}

// Lease is the registry-owned handle on one provider allocation. All calls
// into the underlying allocation are serialized.
type Lease struct {
	ID       string
	RunID    string
	Profile  string
	Node     string
	Provider string

	mu         sync.Mutex
	backend    Allocation
	state      LeaseState
	resets     int
	leasedAt   time.Time
	preparedAt time.Time
	releasedAt time.Time
	cleanups   []cleanupStep

	journal LeaseRepository
	logger  *slog.Logger
	now     func() time.Time
}

var (
	_ Allocation    = (*Lease)(nil)
	_ CleanupHandle = (*Lease)(nil)
)

func newLease(runID, profileName, node, provider string, journal LeaseRepository, logger *slog.Logger) *Lease {
	id := uuid.NewString()
	return &Lease{
		ID:       id,
		RunID:    runID,
		Profile:  profileName,
		Node:     node,
		Provider: provider,
		state:    StateUnleased,
		journal:  journal,
		logger: logging.Ensure(logger).With(
			"lease_id", id,
			"profile", profileName,
			"provider", provider,
		),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Register queues fn to run on release. Steps run in reverse registration order.
func (l *Lease) Register(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanups = append(l.cleanups, cleanupStep{name: name, fn: fn})
}

func (l *Lease) bind(backend Allocation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backend = backend
	l.state = StateLeased
	l.leasedAt = l.now()
	l.persist()
	l.logger.Info("lease acquired", "node", l.Node)
}

// abandon runs the cleanups of a lease whose allocation could not be built.
func (l *Lease) abandon(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateReleased
	return l.runCleanups(ctx)
}

func (l *Lease) PrepareForExecution(ctx context.Context, rc *RunContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StatePrepared:
		return nil
	case StateReleased:
		return fmt.Errorf("prepare lease %s: %w", l.ID, ErrReleased)
	}

	if err := l.backend.PrepareForExecution(ctx, rc); err != nil {
		l.logger.Error("preparation failed", "error", err)
		return &PreparationError{Profile: l.Profile, Err: err}
	}

	l.state = StatePrepared
	l.preparedAt = l.now()
	l.persist()
	l.logger.Info("allocation prepared")
	return nil
}

func (l *Lease) BeforeTestClass(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateReleased:
		return fmt.Errorf("reset lease %s: %w", l.ID, ErrReleased)
	case StatePrepared:
	default:
		return fmt.Errorf("reset lease %s: %w", l.ID, ErrNotPrepared)
	}

	l.resets++
	attempt := l.resets
	defer l.persist()

	if err := l.backend.BeforeTestClass(ctx); err != nil {
		l.logger.Warn("reset failed", "attempt", attempt, "error", err)
		return &ResetError{Profile: l.Profile, Attempt: attempt, Err: err}
	}
	l.logger.Debug("allocation reset", "attempt", attempt)
	return nil
}

// Release gives the allocation back. It is idempotent and never retries a
// failed release.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateReleased {
		return nil
	}
	l.state = StateReleased
	l.releasedAt = l.now()

	var errs []error
	if l.backend != nil {
		if err := l.backend.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.runCleanups(ctx); err != nil {
		errs = append(errs, err)
	}
	if l.journal != nil {
		if err := l.journal.Delete(l.ID); err != nil {
			l.logger.Warn("unable to remove lease record", "error", err)
		}
	}

	if len(errs) > 0 {
		err := &ReleaseError{Profile: l.Profile, Err: errors.Join(errs...)}
		l.logger.Error("release failed", "error", err.Err)
		return err
	}
	l.logger.Info("lease released", "resets", l.resets)
	return nil
}

// runCleanups must be called with l.mu held.
func (l *Lease) runCleanups(ctx context.Context) error {
	steps := l.cleanups
	l.cleanups = nil

	var errs []error
	for _, step := range slices.Backward(steps) {
		if err := step.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", step.name, err))
		}
	}
	return errors.Join(errs...)
}

// persist must be called with l.mu held.
func (l *Lease) persist() {
	if l.journal == nil || l.state == StateReleased {
		return
	}
	if err := l.journal.Save(l.record()); err != nil {
		l.logger.Warn("unable to write lease record", "error", err)
	}
}

func (l *Lease) record() LeaseRecord {
	record := LeaseRecord{
		ID:         l.ID,
		RunID:      l.RunID,
		Profile:    l.Profile,
		Node:       l.Node,
		Provider:   l.Provider,
		State:      l.state,
		Resets:     l.resets,
		PID:        os.Getpid(),
		LeasedAt:   l.leasedAt,
		PreparedAt: l.preparedAt,
		UpdatedAt:  l.now(),
	}
	if d, ok := l.backend.(Describer); ok {
		record.Metadata = d.Describe()
	}
	return record
}

// Info is a point-in-time view of a lease.
type Info struct {
	ID         string
	Profile    string
	Node       string
	Provider   string
	State      LeaseState
	Resets     int
	LeasedAt   time.Time
	PreparedAt time.Time
	ReleasedAt time.Time
}

func (l *Lease) Info() Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Info{
		ID:         l.ID,
		Profile:    l.Profile,
		Node:       l.Node,
		Provider:   l.Provider,
		State:      l.state,
		Resets:     l.resets,
		LeasedAt:   l.leasedAt,
		PreparedAt: l.preparedAt,
		ReleasedAt: l.releasedAt,
	}
}

func (l *Lease) State() LeaseState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lease) Resets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resets
}
