package fixture

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/bwcgen/pkg/client"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/cuemby/bwcgen/pkg/version"
	"github.com/rs/zerolog"
)

// API is the part of the node client the populator uses
type API interface {
	PutUser(ctx context.Context, name string, user client.User) error
	PutRole(ctx context.Context, name string, body []byte) error
	Index(ctx context.Context, index, docType string, doc interface{}) (*client.IndexResponse, error)
	ClusterHealth(ctx context.Context, req client.HealthRequest) (*client.HealthResponse, error)
}

// Populator writes a Definition into a running node
type Populator struct {
	Definition *Definition
	// SortedRoleBefore turns on sorted role bodies for versions below it.
	// Nil disables the shim.
	SortedRoleBefore *version.Version
	// HealthTimeout is sent as the server side wait of the final health
	// call; zero leaves the server default.
	HealthTimeout time.Duration
	Logger        zerolog.Logger
}

// NewPopulator creates a populator for def
func NewPopulator(def *Definition, sortedRoleBefore *version.Version, logger zerolog.Logger) *Populator {
	return &Populator{Definition: def, SortedRoleBefore: sortedRoleBefore, Logger: logger}
}

// SortRoleFields reports whether v gets the sorted role body
func (p *Populator) SortRoleFields(v version.Version) bool {
	return p.SortedRoleBefore != nil && v.Less(*p.SortedRoleBefore)
}

// Populate adds the user, the role and the documents, then waits for the
// security index to be allocated. Calls are not rolled back on failure.
func (p *Populator) Populate(ctx context.Context, api API, v version.Version) error {
	def := p.Definition

	p.Logger.Info().Str("user", def.User.Name).Msg("Add a user")
	err := api.PutUser(ctx, def.User.Name, client.User{Password: def.User.Password, Roles: def.User.Roles})
	if err != nil {
		return errors.Wrapf(err, "put user %s", def.User.Name)
	}

	sorted := p.SortRoleFields(v)
	body, err := RoleBody(def.Role, sorted)
	if err != nil {
		return errors.Wrapf(err, "encoding role %s", def.Role.Name)
	}
	p.Logger.Info().Str("role", def.Role.Name).Bool("sorted_body", sorted).Msg("Add a role")
	if err := api.PutRole(ctx, def.Role.Name, body); err != nil {
		return errors.Wrapf(err, "put role %s", def.Role.Name)
	}

	for _, doc := range def.Documents {
		resp, err := api.Index(ctx, doc.Index, doc.Type, doc.Body)
		if err != nil {
			return errors.Wrapf(err, "index document into %s", doc.Index)
		}
		p.Logger.Debug().Str("index", doc.Index).Str("id", resp.ID).Msg("indexed document")
	}

	p.Logger.Info().Str("index", def.HealthIndex).Msg("Waiting for yellow")
	relocating := 0
	health, err := api.ClusterHealth(ctx, client.HealthRequest{
		Index:                   def.HealthIndex,
		WaitForStatus:           "yellow",
		WaitForRelocatingShards: &relocating,
		Timeout:                 p.HealthTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "cluster health")
	}
	if health.TimedOut {
		return failure.Timeoutf("cluster health timed out for %s: status %s, %d relocating shards",
			def.HealthIndex, health.Status, health.RelocatingShards)
	}
	return nil
}
