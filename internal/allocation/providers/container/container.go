// Package container runs one throwaway database container per profile.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/dbreset"
	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

const (
	DefaultName           = "container"
	defaultStartupTimeout = 2 * time.Minute
	labelProfile          = "dbmatrix.profile"
)

type Config struct {
	Name           string                `yaml:"name"`
	Image          string                `yaml:"image"`
	Port           string                `yaml:"port"`
	Env            map[string]string     `yaml:"env"`
	Cmd            []string              `yaml:"cmd"`
	WaitForLog     string                `yaml:"waitForLog"`
	LogOccurrence  int                   `yaml:"logOccurrence"`
	StartupTimeout time.Duration         `yaml:"startupTimeout"`
	Connection     allocation.Connection `yaml:"connection"`
	Reset          dbreset.Mode          `yaml:"reset"`
	Schemas        []string              `yaml:"schemas"`
	KeepTables     []string              `yaml:"keepTables"`
	// MaxContainers caps concurrently running containers. Zero means no cap.
	MaxContainers int `yaml:"maxContainers"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Image) == "" {
		return errors.New("container image is required")
	}
	if strings.TrimSpace(c.Port) == "" {
		return errors.New("container port is required")
	}
	if _, err := nat.NewPort(nat.SplitProtoPort(c.Port)); err != nil {
		return fmt.Errorf("container port %q: %w", c.Port, err)
	}
	if c.MaxContainers < 0 {
		return errors.New("maxContainers must be >= 0")
	}
	return nil
}

// handle is the part of testcontainers.Container the provider uses.
type handle interface {
	GetContainerID() string
	Host(ctx context.Context) (string, error)
	MappedPort(ctx context.Context, port nat.Port) (nat.Port, error)
	Terminate(ctx context.Context, opts ...testcontainers.TerminateOption) error
}

var startContainer = func(ctx context.Context, req testcontainers.GenericContainerRequest) (handle, error) {
	c, err := testcontainers.GenericContainer(ctx, req)
	if err != nil {
		if termErr := testcontainers.TerminateContainer(c); termErr != nil {
			err = errors.Join(err, fmt.Errorf("terminate failed container: %w", termErr))
		}
		return nil, err
	}
	return c, nil
}

type resetter interface {
	Reset(ctx context.Context) error
	WaitReady(ctx context.Context, interval time.Duration) error
	Close(ctx context.Context) error
}

type Provider struct {
	cfg    Config
	slots  *allocation.Pool[int]
	logger *slog.Logger

	newResetter func(dbreset.Config) (resetter, error)
}

func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("container provider %s: %w", cfg.Name, err)
	}
	p := &Provider{
		cfg:    cfg,
		logger: logging.Ensure(logger).With("component", "provider", "provider", cfg.Name),
		newResetter: func(c dbreset.Config) (resetter, error) {
			return dbreset.New(c)
		},
	}
	if cfg.MaxContainers > 0 {
		slots := make([]int, cfg.MaxContainers)
		for i := range slots {
			slots[i] = i
		}
		p.slots = allocation.NewPool(slots...)
	}
	return p, nil
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) request(prof profile.Profile) testcontainers.GenericContainerRequest {
	port := nat.Port(p.cfg.Port)
	if !strings.Contains(p.cfg.Port, "/") {
		port = nat.Port(p.cfg.Port + "/tcp")
	}

	var strategy wait.Strategy = wait.ForListeningPort(port).WithStartupTimeout(p.cfg.StartupTimeout)
	if p.cfg.WaitForLog != "" {
		occurrence := max(p.cfg.LogOccurrence, 1)
		strategy = wait.ForAll(
			strategy,
			wait.ForLog(p.cfg.WaitForLog).WithOccurrence(occurrence).WithStartupTimeout(p.cfg.StartupTimeout),
		)
	}

	return testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        p.cfg.Image,
			ExposedPorts: []string{string(port)},
			Env:          maps.Clone(p.cfg.Env),
			Cmd:          p.cfg.Cmd,
			Labels:       map[string]string{labelProfile: prof.Name},
			WaitingFor:   strategy,
		},
		Started: true,
	}
}

func (p *Provider) BuildAllocation(ctx context.Context, prof profile.Profile, cleanup allocation.CleanupHandle) (allocation.Allocation, error) {
	if p.slots != nil {
		slot, err := p.slots.Acquire()
		if err != nil {
			return nil, &allocation.UnavailableError{
				Profile:  prof.Name,
				Provider: p.cfg.Name,
				Reason:   fmt.Sprintf("%d containers already running", p.cfg.MaxContainers),
			}
		}
		cleanup.Register("container slot", func(context.Context) error {
			p.slots.Put(slot)
			return nil
		})
	}

	logger := p.logger.With("profile", prof.Name, "image", p.cfg.Image)
	logger.Info("starting database container")

	req := p.request(prof)
	c, err := startContainer(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start container %s: %w", p.cfg.Image, err)
	}
	cleanup.Register("terminate container", func(ctx context.Context) error {
		return c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("container host: %w", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	if err != nil {
		return nil, fmt.Errorf("container port: %w", err)
	}

	conn, err := p.cfg.Connection.Render(allocation.Endpoint{Host: host, Port: mapped.Int(), Profile: prof.Name})
	if err != nil {
		return nil, err
	}

	mode := p.cfg.Reset
	if mode == "" && conn.DSN == "" {
		mode = dbreset.ModeNone
	}
	r, err := p.newResetter(dbreset.Config{DSN: conn.DSN, Mode: mode, Schemas: p.cfg.Schemas, KeepTables: p.cfg.KeepTables})
	if err != nil {
		return nil, fmt.Errorf("configure reset: %w", err)
	}

	logger.Info("database container running", "container_id", c.GetContainerID(), "host", host, "port", mapped.Int())
	return &containerAllocation{
		id:         c.GetContainerID(),
		connection: conn,
		resetter:   r,
		waitReady:  mode != dbreset.ModeNone,
		timeout:    p.cfg.StartupTimeout,
	}, nil
}

type containerAllocation struct {
	id         string
	connection allocation.Connection
	resetter   resetter
	waitReady  bool
	timeout    time.Duration
}

func (a *containerAllocation) PrepareForExecution(ctx context.Context, rc *allocation.RunContext) error {
	if a.waitReady {
		waitCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := a.resetter.WaitReady(waitCtx, time.Second); err != nil {
			return err
		}
	}
	a.connection.Apply(rc)
	return nil
}

func (a *containerAllocation) BeforeTestClass(ctx context.Context) error {
	return a.resetter.Reset(ctx)
}

// Release closes the reset connection; the container itself is terminated
// by the cleanup registered when it was started.
func (a *containerAllocation) Release(ctx context.Context) error {
	return a.resetter.Close(ctx)
}

func (a *containerAllocation) Describe() map[string]string {
	return map[string]string{"container_id": a.id, "url": a.connection.URL}
}
