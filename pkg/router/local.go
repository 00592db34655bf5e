package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/relves/cidroute/internal/storage/index"
	"github.com/relves/cidroute/pkg/cidkit"
	"github.com/relves/cidroute/pkg/routes"
)

// LocalConfig configures a provider reading a CRP index file directly.
type LocalConfig struct {
	// Path to the sqlite index file, typically owned by a crpd process on
	// the same host. Opened read-only; the CRP keeps exclusive write
	// ownership.
	Path string `yaml:"path" json:"path"`
	// Filter limits which CIDs this provider is consulted for.
	Filter cidkit.CIDFilter `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// LocalProvider answers lookups straight from an index file, skipping the
// HTTP hop for co-located CRPs.
type LocalProvider struct {
	id    string
	cfg   LocalConfig
	store *index.Store
}

var _ Provider = (*LocalProvider)(nil)

func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	id, err := ProviderID("local", cfg)
	if err != nil {
		return nil, err
	}
	store, err := index.OpenReadOnly(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("local provider %s: %w", cfg.Path, err)
	}
	return &LocalProvider{id: id, cfg: cfg, store: store}, nil
}

func (p *LocalProvider) ID() string   { return p.id }
func (p *LocalProvider) Kind() string { return "local" }
func (p *LocalProvider) Config() any  { return p.cfg }

func (p *LocalProvider) Eligible(c cid.Cid) bool {
	return p.cfg.Filter.Match(c)
}

func (p *LocalProvider) Routes(ctx context.Context, c cid.Cid) ([]routes.Route, error) {
	entry, err := p.store.Get(ctx, c.String())
	if errors.Is(err, index.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local provider lookup: %w", err)
	}

	out := make([]routes.Route, 0, len(entry.Routes))
	for _, rec := range entry.Routes {
		r := rec.Route()
		r.CRPID = p.id
		out = append(out, r)
	}
	return out, nil
}

func (p *LocalProvider) Close() error {
	return p.store.Close()
}
