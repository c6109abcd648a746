package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

// ProfileLookup resolves profile names. profile.ProfileSet satisfies it.
type ProfileLookup interface {
	Get(name string) (profile.Profile, bool)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithRunID fixes the run identifier. A random one is generated otherwise.
func WithRunID(id string) RegistryOption {
	return func(r *Registry) {
		if id != "" {
			r.runID = id
		}
	}
}

// WithJournal records every lease in repo while it is held.
func WithJournal(repo LeaseRepository) RegistryOption {
	return func(r *Registry) { r.journal = repo }
}

// WithNodeName sets how the node identity of a lease is derived from the
// profile name. The run id is always prefixed.
func WithNodeName(fn func(profileName string) string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.nodeName = fn
		}
	}
}

// Registry hands out at most one lease per profile for the lifetime of one
// run. It is safe for concurrent use.
type Registry struct {
	runID    string
	profiles ProfileLookup
	journal  LeaseRepository
	logger   *slog.Logger
	nodeName func(string) string

	mu        sync.Mutex
	providers map[string]Provider
	assigned  map[string]Provider
	rules     []rule
	fallback  Provider
	leases    map[string]*Lease
	order     []string
	closed    bool

	creating singleflight.Group
}

func NewRegistry(profiles ProfileLookup, opts ...RegistryOption) *Registry {
	r := &Registry{
		runID:     uuid.NewString(),
		profiles:  profiles,
		nodeName:  func(name string) string { return name },
		providers: map[string]Provider{},
		assigned:  map[string]Provider{},
		leases:    map[string]*Lease{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = logging.Ensure(r.logger).With("component", "allocation", "run_id", r.runID)
	return r
}

func (r *Registry) RunID() string {
	return r.runID
}

// Register makes providers available for profiles of the same name and
// for Assign, AddRule and SetDefault by name.
func (r *Registry) Register(providers ...Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
}

// Provider returns the registered provider called name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[name]
	return p, ok
}

// Assign routes one profile to a provider explicitly.
func (r *Registry) Assign(profileName string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigned[profileName] = provider
}

// AddRule routes every profile matching expression to provider. Rules are
// evaluated in the order they were added.
func (r *Registry) AddRule(expression string, provider Provider) error {
	compiled, err := compileRule(expression, provider)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, compiled)
	return nil
}

// SetDefault sets the provider used when nothing else matches.
func (r *Registry) SetDefault(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = provider
}

// SelectProvider returns the provider GetAllocation would use for p:
// explicit assignment, then the first matching rule, then a provider named
// like the profile, then the default.
func (r *Registry) SelectProvider(p profile.Profile) (Provider, error) {
	r.mu.Lock()
	assigned, hasAssigned := r.assigned[p.Name]
	rules := r.rules
	named, hasNamed := r.providers[p.Name]
	fallback := r.fallback
	r.mu.Unlock()

	if hasAssigned && assigned != nil {
		return assigned, nil
	}
	for _, candidate := range rules {
		matched, err := candidate.matches(p)
		if err != nil {
			return nil, err
		}
		if matched {
			return candidate.provider, nil
		}
	}
	if hasNamed {
		return named, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("profile %s: %w", p.Name, ErrNoProvider)
}

// GetAllocation returns the lease for profileName, creating it on first
// use. Concurrent callers share one creation; a failed creation is not
// memoized so a later call may try again.
func (r *Registry) GetAllocation(ctx context.Context, profileName string) (Allocation, error) {
	lease, err := r.lease(ctx, profileName)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Lease is GetAllocation returning the concrete lease.
func (r *Registry) Lease(ctx context.Context, profileName string) (*Lease, error) {
	return r.lease(ctx, profileName)
}

func (r *Registry) lease(ctx context.Context, profileName string) (*Lease, error) {
	if l, err := r.existing(profileName); l != nil || err != nil {
		return l, err
	}

	value, err, _ := r.creating.Do(profileName, func() (any, error) {
		if l, err := r.existing(profileName); l != nil || err != nil {
			return l, err
		}
		l, err := r.create(ctx, profileName)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		closed := r.closed
		if !closed {
			r.leases[profileName] = l
			r.order = append(r.order, profileName)
		}
		r.mu.Unlock()

		if closed {
			r.logger.Warn("registry closed while leasing, releasing", "profile", profileName)
			return nil, errors.Join(ErrRegistryClosed, l.Release(context.WithoutCancel(ctx)))
		}
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Lease), nil
}

func (r *Registry) existing(profileName string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	return r.leases[profileName], nil
}

func (r *Registry) create(ctx context.Context, profileName string) (*Lease, error) {
	if r.profiles == nil {
		return nil, fmt.Errorf("lease profile %s: %w", profileName, ErrUnknownProfile)
	}
	p, ok := r.profiles.Get(profileName)
	if !ok {
		return nil, fmt.Errorf("lease profile %s: %w", profileName, ErrUnknownProfile)
	}

	provider, err := r.SelectProvider(p)
	if err != nil {
		return nil, err
	}

	node := r.runID + "/" + r.nodeName(profileName)
	l := newLease(r.runID, profileName, node, provider.Name(), r.journal, r.logger)

	backend, err := provider.BuildAllocation(ctx, p, l)
	if err == nil && backend == nil {
		err = fmt.Errorf("provider %s returned no allocation", provider.Name())
	}
	if err != nil {
		if cleanupErr := l.abandon(context.WithoutCancel(ctx)); cleanupErr != nil {
			r.logger.Warn("cleanup after failed lease", "profile", profileName, "error", cleanupErr)
		}
		if errors.Is(err, ErrUnavailable) {
			r.logger.Warn("no database instance available", "profile", profileName, "provider", provider.Name(), "error", err)
			var unavailable *UnavailableError
			if !errors.As(err, &unavailable) {
				err = &UnavailableError{Profile: profileName, Provider: provider.Name(), Reason: err.Error()}
			}
			return nil, err
		}
		return nil, fmt.Errorf("lease profile %s from %s: %w", profileName, provider.Name(), err)
	}

	l.bind(backend)
	return l, nil
}

// Leases returns a snapshot of the leases held by this run, in creation order.
func (r *Registry) Leases() []Info {
	r.mu.Lock()
	leases := make([]*Lease, 0, len(r.order))
	for _, name := range r.order {
		leases = append(leases, r.leases[name])
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(leases))
	for _, l := range leases {
		infos = append(infos, l.Info())
	}
	return infos
}

// ReleaseAll releases every lease concurrently and closes the registry.
// One failing release never prevents the others.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	leases := make([]*Lease, 0, len(r.order))
	for _, name := range r.order {
		leases = append(leases, r.leases[name])
	}
	r.mu.Unlock()

	errs := make([]error, len(leases))
	var group errgroup.Group
	for i, l := range leases {
		group.Go(func() error {
			errs[i] = l.Release(ctx)
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}
