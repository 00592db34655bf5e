package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/relves/cidroute/internal/scanner"
	"github.com/relves/cidroute/pkg/filter"
	"github.com/relves/cidroute/pkg/routes"
)

// Config selects what to scan on a GitHub host.
type Config struct {
	// Owner is the user or organization whose repositories are scanned.
	Owner string `yaml:"owner"`
	// Repo limits the scan to a single repository. When empty, all of
	// Owner's repositories are enumerated.
	Repo string `yaml:"repo"`
	// Ref is the branch, tag, or commit to scan. Empty means each
	// repository's default branch.
	Ref string `yaml:"ref"`
	// PathPrefix restricts results to files under this path.
	PathPrefix string `yaml:"path_prefix"`
	// Token is a personal access token. Optional for public repos.
	Token string `yaml:"token"`
	// BaseURL overrides the API host, for GitHub Enterprise or tests.
	BaseURL string `yaml:"base_url"`
}

// Scanner enumerates files across one or more GitHub repositories.
type Scanner struct {
	cfg    Config
	client *Client
	logger *slog.Logger
}

var _ scanner.Scanner = (*Scanner)(nil)

func New(cfg Config, logger *slog.Logger) (*Scanner, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("github: owner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:    cfg,
		client: NewClient(cfg.BaseURL, cfg.Token, logger),
		logger: logger,
	}, nil
}

func (s *Scanner) SourceRef() string {
	if s.cfg.Repo != "" {
		return "github://" + s.cfg.Owner + "/" + s.cfg.Repo
	}
	return "github://" + s.cfg.Owner
}

type repoInfo struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
}

type treeResponse struct {
	Truncated bool        `json:"truncated"`
	Tree      []treeEntry `json:"tree"`
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// Scan resolves the repository list up front so that an unreachable or
// missing owner surfaces immediately rather than mid-enumeration.
func (s *Scanner) Scan(ctx context.Context) (scanner.Iterator, error) {
	var repos []repoInfo
	if s.cfg.Repo != "" {
		var info repoInfo
		err := s.client.get(ctx, "/repos/"+s.cfg.Owner+"/"+s.cfg.Repo, &info)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", scanner.ErrSourceUnreachable, s.SourceRef(), err)
		}
		repos = []repoInfo{info}
	} else {
		var err error
		repos, err = listPages[repoInfo](ctx, s.client, "/users/"+s.cfg.Owner+"/repos?per_page=100")
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", scanner.ErrSourceUnreachable, s.SourceRef(), err)
		}
	}
	return &repoIterator{scanner: s, repos: repos}, nil
}

// repoIterator yields one repository's file tree per Next call.
type repoIterator struct {
	scanner *Scanner
	repos   []repoInfo
	next    int
}

func (it *repoIterator) Next(ctx context.Context) ([]scanner.Item, error) {
	for it.next < len(it.repos) {
		repo := it.repos[it.next]
		it.next++

		items, err := it.scanner.scanRepo(ctx, repo)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			return items, nil
		}
	}
	return nil, nil
}

func (s *Scanner) scanRepo(ctx context.Context, repo repoInfo) ([]scanner.Item, error) {
	ref := s.cfg.Ref
	if ref == "" {
		ref = repo.DefaultBranch
	}
	if ref == "" {
		ref = "main"
	}

	var tree treeResponse
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", s.cfg.Owner, repo.Name, ref)
	if err := s.client.get(ctx, path, &tree); err != nil {
		return nil, fmt.Errorf("%w: %s/%s@%s: %v", scanner.ErrSourceUnreachable, s.cfg.Owner, repo.Name, ref, err)
	}
	if tree.Truncated {
		s.logger.Warn("github tree truncated, some files skipped",
			"owner", s.cfg.Owner, "repo", repo.Name, "ref", ref)
	}

	var items []scanner.Item
	for _, entry := range tree.Tree {
		if entry.Type != "blob" {
			continue
		}
		if s.cfg.PathPrefix != "" && !strings.HasPrefix(entry.Path, s.cfg.PathPrefix) {
			continue
		}
		items = append(items, scanner.Item{
			Meta: filter.Metadata{
				Name:  entry.Path,
				Size:  entry.Size,
				Owner: s.cfg.Owner,
			},
			Locator: fmt.Sprintf("github://%s/%s@%s/%s", s.cfg.Owner, repo.Name, ref, entry.Path),
			Stamp:   entry.SHA,
			Method: &routes.GithubMethod{
				Owner: s.cfg.Owner,
				Repo:  repo.Name,
				Ref:   routes.Ref{Branch: ref},
				Path:  entry.Path,
			},
		})
	}
	return items, nil
}

type blobResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// Fetch retrieves a file's bytes through the git blobs API using the
// SHA recorded in the item's stamp.
func (s *Scanner) Fetch(ctx context.Context, item scanner.Item) (io.ReadCloser, error) {
	method, ok := item.Method.(*routes.GithubMethod)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not a github item", scanner.ErrItemFetch, item.Locator)
	}
	var blob blobResponse
	path := fmt.Sprintf("/repos/%s/%s/git/blobs/%s", method.Owner, method.Repo, item.Stamp)
	if err := s.client.get(ctx, path, &blob); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", scanner.ErrItemFetch, item.Locator, err)
	}
	if blob.Encoding != "base64" {
		return nil, fmt.Errorf("%w: %s: unexpected blob encoding %q", scanner.ErrItemFetch, item.Locator, blob.Encoding)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decode blob: %v", scanner.ErrItemFetch, item.Locator, err)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}
