package bwc

import (
	"context"

	"github.com/cuemby/bwcgen/pkg/client"
	"github.com/cuemby/bwcgen/pkg/command"
	"github.com/cuemby/bwcgen/pkg/config"
	"github.com/cuemby/bwcgen/pkg/fixture"
	"github.com/cuemby/bwcgen/pkg/health"
	"github.com/cuemby/bwcgen/pkg/node"
	"github.com/rs/zerolog"
)

// NodeProvisioner reinstalls the plugins of a release and adds the file
// realm admin used for basic auth.
type NodeProvisioner struct {
	Runner        command.Runner
	Plugins       []string
	AdminUser     string
	AdminPassword string
	AdminRole     string
	Logger        zerolog.Logger
}

// NewNodeProvisioner creates a provisioner from cfg
func NewNodeProvisioner(cfg *config.Config, runner command.Runner, logger zerolog.Logger) *NodeProvisioner {
	return &NodeProvisioner{
		Runner:        runner,
		Plugins:       cfg.Plugins,
		AdminUser:     cfg.AdminUser,
		AdminPassword: cfg.AdminPassword,
		AdminRole:     cfg.AdminRole,
		Logger:        logger,
	}
}

// Provision resets the plugins of releaseDir, then adds the admin user
func (p *NodeProvisioner) Provision(ctx context.Context, releaseDir string) error {
	if err := node.NewPlugins(releaseDir, p.Runner, p.Logger).Reset(ctx, p.Plugins); err != nil {
		return err
	}
	return node.NewUsers(releaseDir, p.Runner).Add(ctx, p.AdminUser, p.AdminRole, p.AdminPassword)
}

// PollReadiness waits for a node with client.WaitForNode
type PollReadiness struct {
	Budget health.Budget
	Logger zerolog.Logger
}

// WaitForNode implements Readiness
func (r *PollReadiness) WaitForNode(ctx context.Context, cfg client.Config) (fixture.API, error) {
	c, err := client.WaitForNode(ctx, cfg, r.Budget, r.Logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}
