package allocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

type profileMap map[string]profile.Profile

func (m profileMap) Get(name string) (profile.Profile, bool) {
	p, ok := m[name]
	return p, ok
}

func testProfiles(names ...string) profileMap {
	m := profileMap{}
	for _, name := range names {
		m[name] = profile.Profile{Name: name, Directory: "/databases/" + name}
	}
	return m
}

type stubAllocation struct {
	mu           sync.Mutex
	prepareCalls int
	resetCalls   int
	releaseCalls int
	prepareErr   error
	resetErr     error
	releaseErr   error
}

func (s *stubAllocation) PrepareForExecution(_ context.Context, rc *RunContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepareCalls++
	if s.prepareErr == nil && rc != nil {
		rc.SetProperty("hibernate.connection.url", "jdbc:stub")
	}
	return s.prepareErr
}

func (s *stubAllocation) BeforeTestClass(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCalls++
	return s.resetErr
}

func (s *stubAllocation) Release(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCalls++
	return s.releaseErr
}

type stubProvider struct {
	name   string
	builds atomic.Int32
	delay  time.Duration
	err    error
	alloc  func() *stubAllocation
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) BuildAllocation(_ context.Context, _ profile.Profile, cleanup CleanupHandle) (Allocation, error) {
	p.builds.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.alloc != nil {
		return p.alloc(), nil
	}
	return &stubAllocation{}, nil
}

func newTestRegistry(profiles ProfileLookup, providers ...Provider) *Registry {
	r := NewRegistry(profiles, WithLogger(logging.Discard()), WithRunID("run-1"))
	r.Register(providers...)
	if len(providers) > 0 {
		r.SetDefault(providers[0])
	}
	return r
}

func TestGetAllocationIsSingletonUnderConcurrency(t *testing.T) {
	provider := &stubProvider{name: "local", delay: 20 * time.Millisecond}
	registry := newTestRegistry(testProfiles("pg"), provider)

	const callers = 32
	results := make([]Allocation, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := registry.GetAllocation(context.Background(), "pg")
			assert.NoError(t, err)
			results[i] = alloc
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, provider.builds.Load())
	for _, alloc := range results {
		assert.Same(t, results[0], alloc)
	}
}

func TestGetAllocationDistinctProfiles(t *testing.T) {
	provider := &stubProvider{name: "local"}
	registry := newTestRegistry(testProfiles("a", "b"), provider)

	a, err := registry.GetAllocation(context.Background(), "a")
	require.NoError(t, err)
	b, err := registry.GetAllocation(context.Background(), "b")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, "run-1/a", a.(*Lease).Node)
	assert.Len(t, registry.Leases(), 2)
}

func TestGetAllocationUnknownProfile(t *testing.T) {
	registry := newTestRegistry(testProfiles("a"), &stubProvider{name: "local"})
	_, err := registry.GetAllocation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestGetAllocationWithoutProvider(t *testing.T) {
	registry := NewRegistry(testProfiles("a"), WithLogger(logging.Discard()))
	_, err := registry.GetAllocation(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestUnavailableIsReportedAndRetriedLater(t *testing.T) {
	provider := &stubProvider{name: "static", err: ErrUnavailable}
	registry := newTestRegistry(testProfiles("pg"), provider)

	_, err := registry.GetAllocation(context.Background(), "pg")
	require.ErrorIs(t, err, ErrUnavailable)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "pg", unavailable.Profile)
	assert.Equal(t, "static", unavailable.Provider)
	assert.Empty(t, registry.Leases())

	provider.err = nil
	_, err = registry.GetAllocation(context.Background(), "pg")
	require.NoError(t, err)
	assert.EqualValues(t, 2, provider.builds.Load())
}

func TestFailedBuildRunsRegisteredCleanups(t *testing.T) {
	var cleaned bool
	provider := ProviderFunc{
		ProviderName: "container",
		Build: func(_ context.Context, _ profile.Profile, cleanup CleanupHandle) (Allocation, error) {
			cleanup.Register("network", func(context.Context) error {
				cleaned = true
				return nil
			})
			return nil, errors.New("image pull failed")
		},
	}
	registry := newTestRegistry(testProfiles("pg"), provider)

	_, err := registry.GetAllocation(context.Background(), "pg")
	assert.ErrorContains(t, err, "image pull failed")
	assert.True(t, cleaned)
}

func TestProviderSelectionOrder(t *testing.T) {
	fallback := &stubProvider{name: "local"}
	named := &stubProvider{name: "h2"}
	ruled := &stubProvider{name: "container"}
	assigned := &stubProvider{name: "static"}

	profiles := testProfiles("h2", "pg", "oracle")
	pg := profiles["pg"]
	pg.Properties = profile.NewProperties("hibernate.dialect", "PostgreSQLDialect")
	profiles["pg"] = pg

	registry := NewRegistry(profiles, WithLogger(logging.Discard()))
	registry.Register(fallback, named, ruled, assigned)
	registry.SetDefault(fallback)
	require.NoError(t, registry.AddRule(`properties["hibernate.dialect"] contains "PostgreSQL"`, ruled))
	registry.Assign("oracle", assigned)

	cases := map[string]string{"h2": "h2", "pg": "container", "oracle": "static"}
	for name, want := range cases {
		got, err := registry.SelectProvider(profiles[name])
		require.NoError(t, err, name)
		assert.Equal(t, want, got.Name(), name)
	}

	got, err := registry.SelectProvider(profile.Profile{Name: "other"})
	require.NoError(t, err)
	assert.Equal(t, "local", got.Name())
}

func TestAddRuleRejectsInvalidExpressions(t *testing.T) {
	registry := NewRegistry(nil, WithLogger(logging.Discard()))
	assert.Error(t, registry.AddRule("", &stubProvider{name: "x"}))
	assert.Error(t, registry.AddRule(`name +`, &stubProvider{name: "x"}))
	assert.Error(t, registry.AddRule(`name`, &stubProvider{name: "x"}))
}

func TestReleaseAllReleasesEveryLeaseAndJoinsErrors(t *testing.T) {
	allocations := map[string]*stubAllocation{}
	var mu sync.Mutex
	provider := ProviderFunc{
		ProviderName: "local",
		Build: func(_ context.Context, p profile.Profile, _ CleanupHandle) (Allocation, error) {
			alloc := &stubAllocation{}
			if p.Name == "bad" {
				alloc.releaseErr = errors.New("stuck")
			}
			mu.Lock()
			allocations[p.Name] = alloc
			mu.Unlock()
			return alloc, nil
		},
	}
	registry := newTestRegistry(testProfiles("good", "bad"), provider)
	for _, name := range []string{"good", "bad"} {
		_, err := registry.GetAllocation(context.Background(), name)
		require.NoError(t, err)
	}

	err := registry.ReleaseAll(context.Background())
	var releaseErr *ReleaseError
	require.ErrorAs(t, err, &releaseErr)
	assert.Equal(t, "bad", releaseErr.Profile)
	assert.Equal(t, 1, allocations["good"].releaseCalls)
	assert.Equal(t, 1, allocations["bad"].releaseCalls)

	_, err = registry.GetAllocation(context.Background(), "good")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
