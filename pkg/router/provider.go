// Package router resolves CIDs to routes by fanning lookups out across
// configured route providers and merging their answers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"

	"github.com/relves/cidroute/pkg/cidkit"
	"github.com/relves/cidroute/pkg/routes"
)

// ErrAllProvidersUnavailable is returned when every eligible provider
// failed to answer. Individual provider failures are otherwise absorbed
// into the result's failure list.
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

// ErrProviderUnavailable wraps a single provider's lookup failure.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Provider answers route lookups for CIDs it is eligible for.
type Provider interface {
	// ID is a stable identifier derived from the provider's configuration.
	ID() string
	// Kind names the provider implementation, e.g. "local" or "remote".
	Kind() string
	// Eligible reports whether the provider can possibly hold routes for
	// the CID. Ineligible providers are skipped without a lookup.
	Eligible(c cid.Cid) bool
	// Routes returns every route the provider knows for the CID. An
	// unknown CID yields an empty slice, not an error.
	Routes(ctx context.Context, c cid.Cid) ([]routes.Route, error)
	// Config returns the provider's configuration for display, secrets
	// redacted.
	Config() any
}

// ProviderID derives a provider's identifier from its kind and
// configuration: the CID of the canonicalized config document. The same
// configuration always produces the same ID, across processes and
// restarts.
func ProviderID(kind string, config any) (string, error) {
	doc := map[string]any{"kind": kind, "config": config}

	// Round-trip through a generic map so encoding/json emits keys in
	// sorted order regardless of the config struct's field order.
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalize provider config: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalize provider config: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalize provider config: %w", err)
	}

	c, err := cidkit.ComputeBytes(canonical, cidkit.DefaultAlgorithm, multicodec.Json)
	if err != nil {
		return "", fmt.Errorf("derive provider id: %w", err)
	}
	return c.String(), nil
}
