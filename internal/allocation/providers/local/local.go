// Package local provides allocations for databases the profile already
// describes completely, such as embedded in-memory databases.
package local

import (
	"context"
	"log/slog"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

const Name = "local"

type Provider struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Provider {
	return &Provider{logger: logging.Ensure(logger).With("component", "provider", "provider", Name)}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) BuildAllocation(_ context.Context, prof profile.Profile, _ allocation.CleanupHandle) (allocation.Allocation, error) {
	logger := p.logger.With("profile", prof.Name)
	return allocation.Funcs{
		Reset: func(context.Context) error {
			logger.Debug("nothing to reset")
			return nil
		},
	}, nil
}
