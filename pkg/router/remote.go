package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ipfs/go-cid"
	"gopkg.in/yaml.v3"

	"github.com/relves/cidroute/pkg/cidkit"
	"github.com/relves/cidroute/pkg/routes"
)

// RemoteConfig configures a provider backed by a CRP's HTTP query API.
type RemoteConfig struct {
	// URL is the CRP's base URL, e.g. "http://crp-1:8420".
	URL string `yaml:"url" json:"url"`
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string `yaml:"auth_token,omitempty" json:"auth_token,omitempty"`
	// Timeout bounds each lookup request. Zero means 5s.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// CacheSize enables a small in-memory response cache when positive.
	CacheSize int `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
	// CacheTTL bounds cached response age. Zero means 30s.
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`
}

// UnmarshalYAML accepts durations as strings like "5s" or "2m".
func (c *RemoteConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		URL       string `yaml:"url"`
		AuthToken string `yaml:"auth_token"`
		Timeout   string `yaml:"timeout"`
		CacheSize int    `yaml:"cache_size"`
		CacheTTL  string `yaml:"cache_ttl"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.URL = raw.URL
	c.AuthToken = raw.AuthToken
	c.CacheSize = raw.CacheSize
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", raw.Timeout, err)
		}
		c.Timeout = d
	}
	if raw.CacheTTL != "" {
		d, err := time.ParseDuration(raw.CacheTTL)
		if err != nil {
			return fmt.Errorf("invalid cache_ttl %q: %w", raw.CacheTTL, err)
		}
		c.CacheTTL = d
	}
	return nil
}

// RemoteProvider queries a CRP instance over HTTP.
type RemoteProvider struct {
	id     string
	cfg    RemoteConfig
	client *http.Client
	filter cidkit.CIDFilter
	cache  *lru.LRU[string, []routes.Route]
	logger *slog.Logger
}

var _ Provider = (*RemoteProvider)(nil)

// NewRemoteProvider builds the provider and fetches the CRP's eligibility
// filter once at startup. An unreachable filter endpoint degrades to
// match-all: the provider is consulted for every CID until a restart.
func NewRemoteProvider(ctx context.Context, cfg RemoteConfig, logger *slog.Logger) (*RemoteProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote provider: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	id, err := ProviderID("remote", cfg)
	if err != nil {
		return nil, err
	}

	p := &RemoteProvider{
		id:     id,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("provider_url", cfg.URL),
	}
	if cfg.CacheSize > 0 {
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		p.cache = lru.NewLRU[string, []routes.Route](cfg.CacheSize, nil, ttl)
	}

	filter, err := p.fetchFilter(ctx)
	if err != nil {
		p.logger.Warn("eligibility filter unavailable, matching all CIDs", "error", err)
	} else {
		p.filter = filter
	}
	return p, nil
}

func (p *RemoteProvider) ID() string   { return p.id }
func (p *RemoteProvider) Kind() string { return "remote" }

// Config redacts the auth token before exposure on /v1/providers.
func (p *RemoteProvider) Config() any {
	cfg := p.cfg
	if cfg.AuthToken != "" {
		cfg.AuthToken = "[redacted]"
	}
	return cfg
}

func (p *RemoteProvider) Eligible(c cid.Cid) bool {
	return p.filter.Match(c)
}

func (p *RemoteProvider) Routes(ctx context.Context, c cid.Cid) ([]routes.Route, error) {
	key := c.String()
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			return cached, nil
		}
	}

	var resp struct {
		Routes []routes.Route `json:"routes"`
	}
	if err := p.get(ctx, "/v1/crp/routes/"+key, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, p.cfg.URL, err)
	}
	for i := range resp.Routes {
		resp.Routes[i].CRPID = p.id
	}

	if p.cache != nil {
		p.cache.Add(key, resp.Routes)
	}
	return resp.Routes, nil
}

func (p *RemoteProvider) fetchFilter(ctx context.Context) (cidkit.CIDFilter, error) {
	var f cidkit.CIDFilter
	if err := p.get(ctx, "/v1/crp/filter", &f); err != nil {
		return cidkit.CIDFilter{}, err
	}
	if err := f.Validate(); err != nil {
		return cidkit.CIDFilter{}, fmt.Errorf("advertised filter invalid: %w", err)
	}
	return f, nil
}

func (p *RemoteProvider) get(ctx context.Context, path string, result any) error {
	url := strings.TrimRight(p.cfg.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if p.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("crp request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("crp request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("crp response %s: %w", path, err)
	}
	return nil
}
