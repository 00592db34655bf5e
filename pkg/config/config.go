// Package config loads the YAML configuration for the router and crpd
// binaries. Decoding is strict: unknown keys are rejected so typos fail
// at startup instead of silently disabling features.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/multiformats/go-multicodec"
	"gopkg.in/yaml.v3"

	"github.com/relves/cidroute/pkg/cidkit"
	"github.com/relves/cidroute/pkg/filter"
	"github.com/relves/cidroute/pkg/router"

	gcsscanner "github.com/relves/cidroute/internal/scanner/gcs"
	githubscanner "github.com/relves/cidroute/internal/scanner/github"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "10m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Router is the cid-router configuration.
type Router struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// ResolveTimeout bounds each provider lookup.
	ResolveTimeout Duration `yaml:"resolve_timeout"`
	// Providers in priority order; merged results preserve it.
	Providers []ProviderEntry `yaml:"providers"`
}

// ProviderEntry is one provider block. Exactly one of Local or Remote
// must be set, matching Kind.
type ProviderEntry struct {
	Kind   string               `yaml:"kind"`
	Local  *router.LocalConfig  `yaml:"local,omitempty"`
	Remote *router.RemoteConfig `yaml:"remote,omitempty"`
}

// CRP is the crpd configuration.
type CRP struct {
	// Listen is the HTTP bind address for the query API.
	Listen string `yaml:"listen"`
	// AuthToken, when set, gates the query API behind bearer auth.
	AuthToken string `yaml:"auth_token"`
	// IndexPath locates the sqlite route index file.
	IndexPath string `yaml:"index_path"`
	// Interval between indexing cycles.
	Interval Duration `yaml:"interval"`
	// FetchConcurrency bounds parallel content fetches.
	FetchConcurrency int `yaml:"fetch_concurrency"`
	// Hash selects the CID algorithm and codec this instance produces.
	Hash HashConfig `yaml:"hash"`
	// Sources to scan each cycle.
	Sources []SourceEntry `yaml:"sources"`
}

// HashConfig names a hash algorithm and multicodec by their string
// registrations, e.g. algorithm "sha2-256" or "blake3", codec "raw".
type HashConfig struct {
	Algorithm string `yaml:"algorithm"`
	Codec     string `yaml:"codec"`
}

// Resolve parses the names into concrete codes, applying defaults for
// empty fields.
func (h HashConfig) Resolve() (cidkit.Algorithm, multicodec.Code, error) {
	alg := cidkit.DefaultAlgorithm
	if h.Algorithm != "" {
		var err error
		alg, err = cidkit.ParseAlgorithm(h.Algorithm)
		if err != nil {
			return 0, 0, err
		}
	}
	codec := cidkit.DefaultCodec
	if h.Codec != "" {
		if err := codec.Set(h.Codec); err != nil {
			return 0, 0, fmt.Errorf("unknown codec %q: %w", h.Codec, err)
		}
	}
	return alg, codec, nil
}

// SourceEntry is one scan source block. Exactly one of GCS or Github must
// be set, matching Kind.
type SourceEntry struct {
	Kind   string                `yaml:"kind"`
	GCS    *gcsscanner.Config    `yaml:"gcs,omitempty"`
	Github *githubscanner.Config `yaml:"github,omitempty"`
	// Filter selects which listed items get indexed. Empty means all.
	Filter *filter.Expr `yaml:"filter,omitempty"`
}

// LoadRouter reads and validates a router configuration file.
func LoadRouter(path string) (*Router, error) {
	var cfg Router
	if err := loadStrict(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8400"
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("config: at least one provider is required")
	}
	for i, p := range cfg.Providers {
		switch p.Kind {
		case "local":
			if p.Local == nil {
				return nil, fmt.Errorf("config: provider %d: kind local requires a local block", i)
			}
			if err := p.Local.Filter.Validate(); err != nil {
				return nil, fmt.Errorf("config: provider %d: %w", i, err)
			}
		case "remote":
			if p.Remote == nil {
				return nil, fmt.Errorf("config: provider %d: kind remote requires a remote block", i)
			}
		default:
			return nil, fmt.Errorf("config: provider %d: unknown kind %q", i, p.Kind)
		}
	}
	return &cfg, nil
}

// LoadCRP reads and validates a crpd configuration file. Filters are
// validated here so a bad predicate aborts startup, never a running
// cycle.
func LoadCRP(path string) (*CRP, error) {
	var cfg CRP
	if err := loadStrict(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8420"
	}
	if cfg.IndexPath == "" {
		return nil, fmt.Errorf("config: index_path is required")
	}
	if cfg.Interval.Std() <= 0 {
		cfg.Interval = Duration(10 * time.Minute)
	}
	if _, _, err := cfg.Hash.Resolve(); err != nil {
		return nil, fmt.Errorf("config: hash: %w", err)
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("config: at least one source is required")
	}
	for i, src := range cfg.Sources {
		switch src.Kind {
		case "gcs":
			if src.GCS == nil || src.GCS.Bucket == "" {
				return nil, fmt.Errorf("config: source %d: kind gcs requires a gcs block with a bucket", i)
			}
		case "github":
			if src.Github == nil || src.Github.Owner == "" {
				return nil, fmt.Errorf("config: source %d: kind github requires a github block with an owner", i)
			}
		default:
			return nil, fmt.Errorf("config: source %d: unknown kind %q", i, src.Kind)
		}
		if err := src.Filter.Validate(); err != nil {
			return nil, fmt.Errorf("config: source %d: filter: %w", i, err)
		}
	}
	return &cfg, nil
}

func loadStrict(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
