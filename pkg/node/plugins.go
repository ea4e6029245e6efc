package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/bwcgen/pkg/command"
	"github.com/rs/zerolog"
)

// Plugins drives the release's plugin manager
type Plugins struct {
	ReleaseDir string
	Runner     command.Runner
	Logger     zerolog.Logger
}

// NewPlugins creates a plugin manager for the release in releaseDir
func NewPlugins(releaseDir string, runner command.Runner, logger zerolog.Logger) *Plugins {
	return &Plugins{ReleaseDir: releaseDir, Runner: runner, Logger: logger}
}

func (p *Plugins) binary() string {
	return filepath.Join(p.ReleaseDir, "bin", "plugin")
}

// Install installs a plugin
func (p *Plugins) Install(ctx context.Context, name string) error {
	_, err := p.Runner.Run(ctx, command.Command{Name: p.binary(), Args: []string{"install", name}})
	return err
}

// Remove removes a plugin
func (p *Plugins) Remove(ctx context.Context, name string) error {
	_, err := p.Runner.Run(ctx, command.Command{Name: p.binary(), Args: []string{"remove", name}})
	return err
}

// Reset removes then reinstalls names so every run starts from the same
// plugin state, whatever the release archive shipped with. Removal failures
// are expected when a plugin was never installed and are only logged.
func (p *Plugins) Reset(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := p.Remove(ctx, name); err != nil {
			if ctx.Err() != nil {
				return err
			}
			p.Logger.Warn().Err(err).Str("plugin", name).Msg("plugin removal failed, continuing")
		}
	}

	// the security plugin leaves its config behind on removal
	shieldConfig := filepath.Join(p.ReleaseDir, "config", "shield")
	if err := os.RemoveAll(shieldConfig); err != nil {
		return fmt.Errorf("failed to remove %s: %w", shieldConfig, err)
	}

	for _, name := range names {
		if err := p.Install(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Users drives the release's file realm user tool
type Users struct {
	ReleaseDir string
	Runner     command.Runner
}

// NewUsers creates a user tool for the release in releaseDir
func NewUsers(releaseDir string, runner command.Runner) *Users {
	return &Users{ReleaseDir: releaseDir, Runner: runner}
}

// Add creates a file realm user with one role
func (u *Users) Add(ctx context.Context, name, role, password string) error {
	_, err := u.Runner.Run(ctx, command.Command{
		Name: filepath.Join(u.ReleaseDir, "bin", "shield", "esusers"),
		Args: []string{"useradd", name, "-r", role, "-p", password},
	})
	return err
}
