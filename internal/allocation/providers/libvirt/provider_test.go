package libvirt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/dbreset"
	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

type fakeHypervisor struct {
	calls    []string
	macs     []string
	leases   []NetworkLease
	pinned   []NetworkLease
	unpinned []NetworkLease
	closed   bool
}

func (f *fakeHypervisor) RevertSnapshot(domain, snapshot string) error {
	f.calls = append(f.calls, "revert "+domain+"@"+snapshot)
	return nil
}

func (f *fakeHypervisor) Start(domain string) error {
	f.calls = append(f.calls, "start "+domain)
	return nil
}

func (f *fakeHypervisor) Stop(domain string) error {
	f.calls = append(f.calls, "stop "+domain)
	return nil
}

func (f *fakeHypervisor) MACAddresses(string) ([]string, error) { return f.macs, nil }

func (f *fakeHypervisor) Addresses(string) ([]NetworkLease, error) { return f.leases, nil }

func (f *fakeHypervisor) Pin(_ string, mac string) (NetworkLease, error) {
	lease := NetworkLease{MAC: mac, IP: net.ParseIP("192.168.122.50").To4()}
	f.calls = append(f.calls, "pin "+mac)
	f.pinned = append(f.pinned, lease)
	return lease, nil
}

func (f *fakeHypervisor) Unpin(_ string, lease NetworkLease) error {
	f.unpinned = append(f.unpinned, lease)
	return nil
}

func (f *fakeHypervisor) Close() error {
	f.closed = true
	return nil
}

type fakeResetter struct {
	cfg    dbreset.Config
	resets int
	waits  int
}

func (f *fakeResetter) Reset(context.Context) error                    { f.resets++; return nil }
func (f *fakeResetter) WaitReady(context.Context, time.Duration) error { f.waits++; return nil }
func (f *fakeResetter) Close(context.Context) error                    { return nil }

type cleanups struct {
	steps []func(context.Context) error
}

func (c *cleanups) Register(_ string, fn func(context.Context) error) {
	c.steps = append(c.steps, fn)
}

func (c *cleanups) run() {
	for i := len(c.steps) - 1; i >= 0; i-- {
		_ = c.steps[i](context.Background())
	}
}

func newTestProvider(t *testing.T, cfg Config, hv *fakeHypervisor) (*Provider, **fakeResetter) {
	t.Helper()
	p, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	p.connect = func(uri string) (hypervisor, error) {
		assert.Equal(t, DefaultURI, uri)
		return hv, nil
	}
	var last *fakeResetter
	p.newResetter = func(c dbreset.Config) (resetter, error) {
		last = &fakeResetter{cfg: c}
		return last, nil
	}
	return p, &last
}

func baseConfig() Config {
	return Config{
		Domains: []Domain{{Name: "pg16", Snapshot: "clean"}},
		Port:    5432,
		Connection: allocation.Connection{
			URL: "jdbc:postgresql://{{.Host}}:{{.Port}}/test",
			DSN: "postgres://test@{{.Host}}:{{.Port}}/test",
		},
	}
}

func TestDomainLeaseWithSQLReset(t *testing.T) {
	hv := &fakeHypervisor{
		macs:   []string{"52:54:00:00:00:01"},
		leases: []NetworkLease{{MAC: "52:54:00:00:00:01", IP: net.ParseIP("192.168.122.10").To4()}},
	}
	p, reset := newTestProvider(t, baseConfig(), hv)
	ctx := context.Background()
	handle := &cleanups{}

	alloc, err := p.BuildAllocation(ctx, profile.Profile{Name: "pg"}, handle)
	require.NoError(t, err)
	assert.Equal(t, []string{"revert pg16@clean", "start pg16"}, hv.calls)
	assert.Equal(t, "postgres://test@192.168.122.10:5432/test", (*reset).cfg.DSN)

	rc := allocation.NewRunContext("node", "pg", t.TempDir(), profile.Properties{}, profile.Properties{})
	require.NoError(t, alloc.PrepareForExecution(ctx, rc))
	url, _ := rc.Property(allocation.PropertyURL)
	assert.Equal(t, "jdbc:postgresql://192.168.122.10:5432/test", url)

	require.NoError(t, alloc.BeforeTestClass(ctx))
	assert.Equal(t, 1, (*reset).resets)

	_, err = p.BuildAllocation(ctx, profile.Profile{Name: "other"}, &cleanups{})
	assert.ErrorIs(t, err, allocation.ErrUnavailable)

	require.NoError(t, alloc.Release(ctx))
	handle.run()
	assert.True(t, hv.closed)
	assert.Contains(t, hv.calls, "stop pg16")

	_, err = p.BuildAllocation(ctx, profile.Profile{Name: "other"}, &cleanups{})
	assert.NoError(t, err)
}

func TestDomainLeaseWithSnapshotReset(t *testing.T) {
	cfg := baseConfig()
	cfg.Reset = ResetSnapshot
	cfg.PinAddress = true
	hv := &fakeHypervisor{macs: []string{"52:54:00:00:00:01"}}
	p, reset := newTestProvider(t, cfg, hv)
	ctx := context.Background()
	handle := &cleanups{}

	alloc, err := p.BuildAllocation(ctx, profile.Profile{Name: "pg"}, handle)
	require.NoError(t, err)
	assert.Equal(t, dbreset.ModeNone, (*reset).cfg.Mode)
	require.Len(t, hv.pinned, 1)
	assert.Equal(t, []string{"pin 52:54:00:00:00:01", "revert pg16@clean", "start pg16"}, hv.calls)

	hv.calls = nil
	require.NoError(t, alloc.BeforeTestClass(ctx))
	assert.Equal(t, []string{"revert pg16@clean", "start pg16"}, hv.calls)
	assert.Equal(t, 0, (*reset).resets)
	assert.Equal(t, 1, (*reset).waits)

	handle.run()
	assert.Equal(t, hv.pinned, hv.unpinned)
}

func TestPinnedAddressIsReservedBeforeBoot(t *testing.T) {
	cfg := baseConfig()
	cfg.Domains = []Domain{{Name: "pg16"}}
	cfg.PinAddress = true
	hv := &fakeHypervisor{
		macs:   []string{"52:54:00:00:00:01"},
		leases: []NetworkLease{{MAC: "52:54:00:00:00:01", IP: net.ParseIP("192.168.122.10").To4()}},
	}
	p, reset := newTestProvider(t, cfg, hv)

	_, err := p.BuildAllocation(context.Background(), profile.Profile{Name: "pg"}, &cleanups{})
	require.NoError(t, err)
	assert.Equal(t, []string{"pin 52:54:00:00:00:01", "start pg16"}, hv.calls)
	assert.Equal(t, "postgres://test@192.168.122.50:5432/test", (*reset).cfg.DSN)
}

func TestDomainWithoutAddressTimesOut(t *testing.T) {
	cfg := baseConfig()
	cfg.BootTimeout = 10 * time.Millisecond
	hv := &fakeHypervisor{macs: []string{"52:54:00:00:00:01"}}
	p, _ := newTestProvider(t, cfg, hv)

	_, err := p.BuildAllocation(context.Background(), profile.Profile{Name: "pg"}, &cleanups{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLibvirtConfigValidate(t *testing.T) {
	assert.Error(t, Config{Port: 5432}.Validate())
	assert.Error(t, Config{Domains: []Domain{{Name: "a"}}}.Validate())
	assert.Error(t, Config{Domains: []Domain{{Name: "a"}}, Port: 5432, Reset: ResetSnapshot}.Validate())
	assert.NoError(t, Config{Domains: []Domain{{Name: "a", Snapshot: "s"}}, Port: 5432, Reset: ResetSnapshot}.Validate())
}
