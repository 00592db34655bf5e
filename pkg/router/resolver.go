package router

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/relves/cidroute/pkg/cidkit"
	"github.com/relves/cidroute/pkg/routes"
)

// ProviderFailure records one provider's error during a resolution.
type ProviderFailure struct {
	ProviderID string `json:"provider_id"`
	Kind       string `json:"kind"`
	Error      string `json:"error"`
}

// Result is the merged outcome of one resolution. Routes may be non-empty
// even when some providers failed; callers inspect Failed to judge
// completeness.
type Result struct {
	CID    string            `json:"cid"`
	Routes []routes.Route    `json:"routes"`
	Failed []ProviderFailure `json:"failed_providers,omitempty"`
}

// Resolver fans a CID lookup out to every eligible provider concurrently
// and merges the answers.
type Resolver struct {
	providers []Provider
	timeout   time.Duration
	logger    *slog.Logger
}

// NewResolver builds a resolver over providers in configuration order;
// that order is preserved in merged results. Timeout bounds each
// provider's lookup, zero means 10s.
func NewResolver(providers []Provider, timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{providers: providers, timeout: timeout, logger: logger}
}

// Providers returns the configured providers in order.
func (r *Resolver) Providers() []Provider {
	return r.providers
}

// Resolve looks up every route for a CID. A malformed CID fails fast with
// cidkit.ErrInvalidCID. Provider failures are absorbed into the result
// unless every eligible provider failed, which returns
// ErrAllProvidersUnavailable.
func (r *Resolver) Resolve(ctx context.Context, rawCID string) (*Result, error) {
	c, err := cidkit.Decode(rawCID)
	if err != nil {
		return nil, err
	}

	var eligible []Provider
	for _, p := range r.providers {
		if p.Eligible(c) {
			eligible = append(eligible, p)
		}
	}

	result := &Result{CID: c.String(), Routes: []routes.Route{}}
	if len(eligible) == 0 {
		return result, nil
	}

	// One slot per provider keeps configuration order in the merge
	// regardless of completion order.
	slots := make([][]routes.Route, len(eligible))
	failures := make([]*ProviderFailure, len(eligible))

	var wg sync.WaitGroup
	for i, p := range eligible {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			rts, err := p.Routes(lookupCtx, c)
			if err != nil {
				r.logger.Warn("provider lookup failed",
					"provider", p.ID(), "kind", p.Kind(), "cid", c.String(), "error", err)
				failures[i] = &ProviderFailure{ProviderID: p.ID(), Kind: p.Kind(), Error: err.Error()}
				return
			}
			slots[i] = rts
		}(i, p)
	}
	wg.Wait()

	failedCount := 0
	seen := make(map[string]struct{})
	for i := range eligible {
		if failures[i] != nil {
			failedCount++
			result.Failed = append(result.Failed, *failures[i])
			continue
		}
		// Providers may hand back shared memory (the remote provider
		// returns its cached slice); sort a copy.
		batch := slices.Clone(slots[i])
		routes.SortByIdentity(batch)
		for _, rt := range batch {
			id := rt.Identity()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			result.Routes = append(result.Routes, rt)
		}
	}

	if failedCount == len(eligible) {
		return nil, fmt.Errorf("%w: %d provider(s) failed", ErrAllProvidersUnavailable, failedCount)
	}
	return result, nil
}
