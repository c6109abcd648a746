// Package libvirt leases databases that run inside pre-built libvirt domains.
//
// Each domain is reverted to a snapshot and booted when it is leased. Between
// test classes the database is either cleaned over SQL or the whole domain is
// reverted to the snapshot again.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/dbreset"
	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

const (
	DefaultName        = "libvirt"
	ResetSnapshot      = "snapshot"
	defaultBootTimeout = 3 * time.Minute
	pollInterval       = 2 * time.Second
)

type Domain struct {
	Name     string `yaml:"name"`
	Snapshot string `yaml:"snapshot"`
}

type Config struct {
	Name        string                `yaml:"name"`
	URI         string                `yaml:"uri"`
	Network     string                `yaml:"network"`
	Domains     []Domain              `yaml:"domains"`
	Port        int                   `yaml:"port"`
	PinAddress  bool                  `yaml:"pinAddress"`
	BootTimeout time.Duration         `yaml:"bootTimeout"`
	Connection  allocation.Connection `yaml:"connection"`
	// Reset is "snapshot" or one of the SQL reset modes.
	Reset      string   `yaml:"reset"`
	Schemas    []string `yaml:"schemas"`
	KeepTables []string `yaml:"keepTables"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.URI == "" {
		c.URI = DefaultURI
	}
	if c.Network == "" {
		c.Network = DefaultNetworkName
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = defaultBootTimeout
	}
	return c
}

func (c Config) Validate() error {
	if len(c.Domains) == 0 {
		return errors.New("no domains configured")
	}
	for i, d := range c.Domains {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("domain %d has no name", i)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port %d", c.Port)
	}
	if c.Reset == ResetSnapshot {
		for _, d := range c.Domains {
			if d.Snapshot == "" {
				return fmt.Errorf("domain %s needs a snapshot for snapshot reset", d.Name)
			}
		}
	}
	return nil
}

type resetter interface {
	Reset(ctx context.Context) error
	WaitReady(ctx context.Context, interval time.Duration) error
	Close(ctx context.Context) error
}

type Provider struct {
	cfg    Config
	pool   *allocation.Pool[Domain]
	logger *slog.Logger

	connect     func(uri string) (hypervisor, error)
	newResetter func(dbreset.Config) (resetter, error)
}

func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("libvirt provider %s: %w", cfg.Name, err)
	}
	return &Provider{
		cfg:     cfg,
		pool:    allocation.NewPool(cfg.Domains...),
		logger:  logging.Ensure(logger).With("component", "provider", "provider", cfg.Name),
		connect: connect,
		newResetter: func(c dbreset.Config) (resetter, error) {
			return dbreset.New(c)
		},
	}, nil
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) BuildAllocation(ctx context.Context, prof profile.Profile, cleanup allocation.CleanupHandle) (allocation.Allocation, error) {
	domain, err := p.pool.Acquire()
	if err != nil {
		return nil, &allocation.UnavailableError{
			Profile:  prof.Name,
			Provider: p.cfg.Name,
			Reason:   fmt.Sprintf("all %d domains are leased", p.pool.InUse()),
		}
	}
	cleanup.Register("return domain "+domain.Name, func(context.Context) error {
		p.pool.Put(domain)
		return nil
	})

	logger := p.logger.With("profile", prof.Name, "domain", domain.Name)

	hv, err := p.connect(p.cfg.URI)
	if err != nil {
		return nil, err
	}
	cleanup.Register("close libvirt connection", func(context.Context) error {
		return hv.Close()
	})

	macs, err := hv.MACAddresses(domain.Name)
	if err != nil {
		return nil, err
	}
	if len(macs) == 0 {
		return nil, fmt.Errorf("domain %s has no network interface", domain.Name)
	}

	// A pinned host entry has to exist before the guest boots and asks for
	// its lease.
	var ip string
	if p.cfg.PinAddress {
		lease, err := hv.Pin(p.cfg.Network, macs[0])
		if err != nil {
			return nil, err
		}
		cleanup.Register("unpin address", func(context.Context) error {
			return hv.Unpin(p.cfg.Network, lease)
		})
		ip = lease.IP.String()
	}

	if domain.Snapshot != "" {
		if err := hv.RevertSnapshot(domain.Name, domain.Snapshot); err != nil {
			return nil, err
		}
	}
	if err := hv.Start(domain.Name); err != nil {
		return nil, err
	}
	cleanup.Register("stop domain "+domain.Name, func(context.Context) error {
		return hv.Stop(domain.Name)
	})

	if ip == "" {
		if ip, err = p.waitAddress(ctx, hv, domain, macs); err != nil {
			return nil, err
		}
	}

	conn, err := p.cfg.Connection.Render(allocation.Endpoint{Host: ip, Port: p.cfg.Port, Profile: prof.Name})
	if err != nil {
		return nil, err
	}

	mode := dbreset.Mode(p.cfg.Reset)
	if mode == ResetSnapshot || (mode == "" && conn.DSN == "") {
		mode = dbreset.ModeNone
	}
	r, err := p.newResetter(dbreset.Config{DSN: conn.DSN, Mode: mode, Schemas: p.cfg.Schemas, KeepTables: p.cfg.KeepTables})
	if err != nil {
		return nil, fmt.Errorf("configure reset: %w", err)
	}

	logger.Info("domain leased", "address", ip)
	return &domainAllocation{
		domain:     domain,
		hv:         hv,
		connection: conn,
		resetter:   r,
		snapshot:   p.cfg.Reset == ResetSnapshot,
		waitReady:  conn.DSN != "",
		timeout:    p.cfg.BootTimeout,
		logger:     logger,
	}, nil
}

// waitAddress polls the network until one of macs holds a dynamic lease.
func (p *Provider) waitAddress(ctx context.Context, hv hypervisor, domain Domain, macs []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.BootTimeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		addresses, err := hv.Addresses(p.cfg.Network)
		if err != nil {
			return "", err
		}
		if ip, ok := addressFor(addresses, macs); ok {
			return ip.String(), nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("domain %s did not obtain an address: %w", domain.Name, ctx.Err())
		case <-ticker.C:
		}
	}
}

type domainAllocation struct {
	domain     Domain
	hv         hypervisor
	connection allocation.Connection
	resetter   resetter
	snapshot   bool
	waitReady  bool
	timeout    time.Duration
	logger     *slog.Logger
}

func (a *domainAllocation) wait(ctx context.Context) error {
	if !a.waitReady {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.resetter.WaitReady(ctx, time.Second)
}

func (a *domainAllocation) PrepareForExecution(ctx context.Context, rc *allocation.RunContext) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	a.connection.Apply(rc)
	return nil
}

func (a *domainAllocation) BeforeTestClass(ctx context.Context) error {
	if !a.snapshot {
		return a.resetter.Reset(ctx)
	}
	a.logger.Debug("reverting domain to snapshot", "snapshot", a.domain.Snapshot)
	if err := a.resetter.Close(ctx); err != nil {
		a.logger.Debug("closing reset connection before revert", "error", err)
	}
	if err := a.hv.RevertSnapshot(a.domain.Name, a.domain.Snapshot); err != nil {
		return err
	}
	if err := a.hv.Start(a.domain.Name); err != nil {
		return err
	}
	return a.wait(ctx)
}

func (a *domainAllocation) Release(ctx context.Context) error {
	return a.resetter.Close(ctx)
}

func (a *domainAllocation) Describe() map[string]string {
	return map[string]string{"domain": a.domain.Name, "url": a.connection.URL}
}
