// Package static leases databases from a fixed list of running instances.
package static

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/dbreset"
	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

const DefaultName = "static"

// Instance is one pre-provisioned database.
type Instance struct {
	Name       string                `yaml:"name"`
	Connection allocation.Connection `yaml:",inline"`
	Reset      dbreset.Mode          `yaml:"reset"`
	Schemas    []string              `yaml:"schemas"`
	KeepTables []string              `yaml:"keepTables"`
}

type Config struct {
	Name      string     `yaml:"name"`
	Instances []Instance `yaml:"instances"`
}

type resetter interface {
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

type Provider struct {
	name   string
	pool   *allocation.Pool[Instance]
	logger *slog.Logger

	newResetter func(dbreset.Config) (resetter, error)
}

func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	if len(cfg.Instances) == 0 {
		return nil, fmt.Errorf("static provider %s: no instances configured", name)
	}
	for i, inst := range cfg.Instances {
		if inst.Name == "" {
			return nil, fmt.Errorf("static provider %s: instance %d has no name", name, i)
		}
	}
	return &Provider{
		name:   name,
		pool:   allocation.NewPool(cfg.Instances...),
		logger: logging.Ensure(logger).With("component", "provider", "provider", name),
		newResetter: func(c dbreset.Config) (resetter, error) {
			return dbreset.New(c)
		},
	}, nil
}

func (p *Provider) Name() string { return p.name }

// Available reports how many instances are free.
func (p *Provider) Available() int { return p.pool.Available() }

func (p *Provider) BuildAllocation(_ context.Context, prof profile.Profile, cleanup allocation.CleanupHandle) (allocation.Allocation, error) {
	inst, err := p.pool.Acquire()
	if err != nil {
		if errors.Is(err, allocation.ErrUnavailable) {
			return nil, &allocation.UnavailableError{
				Profile:  prof.Name,
				Provider: p.name,
				Reason:   fmt.Sprintf("all %d instances are leased", p.pool.InUse()),
			}
		}
		return nil, err
	}
	cleanup.Register("return instance "+inst.Name, func(context.Context) error {
		p.pool.Put(inst)
		return nil
	})

	logger := p.logger.With("profile", prof.Name, "instance", inst.Name)
	alloc := &instanceAllocation{instance: inst, logger: logger}

	mode := inst.Reset
	if mode == "" && inst.Connection.DSN == "" {
		mode = dbreset.ModeNone
	}
	r, err := p.newResetter(dbreset.Config{
		DSN:        inst.Connection.DSN,
		Mode:       mode,
		Schemas:    inst.Schemas,
		KeepTables: inst.KeepTables,
	})
	if err != nil {
		return nil, fmt.Errorf("configure reset for instance %s: %w", inst.Name, err)
	}
	alloc.resetter = r

	logger.Info("instance leased")
	return alloc, nil
}

type instanceAllocation struct {
	instance Instance
	resetter resetter
	logger   *slog.Logger
}

func (a *instanceAllocation) PrepareForExecution(_ context.Context, rc *allocation.RunContext) error {
	a.instance.Connection.Apply(rc)
	return nil
}

func (a *instanceAllocation) BeforeTestClass(ctx context.Context) error {
	return a.resetter.Reset(ctx)
}

func (a *instanceAllocation) Release(ctx context.Context) error {
	a.logger.Info("instance returned")
	return a.resetter.Close(ctx)
}

func (a *instanceAllocation) Describe() map[string]string {
	return map[string]string{"instance": a.instance.Name, "url": a.instance.Connection.URL}
}
