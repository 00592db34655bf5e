package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cidroute/internal/scanner"
	"github.com/relves/cidroute/pkg/routes"
)

// fakeGitHub serves just enough of the REST API for the scanner.
type fakeGitHub struct {
	repos map[string]fakeRepo // name -> repo
}

type fakeRepo struct {
	defaultBranch string
	files         map[string]string // path -> content
}

func blobSHA(content string) string {
	return fmt.Sprintf("sha-%x", len(content)) + content[:min(4, len(content))]
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /users/{owner}/repos", func(w http.ResponseWriter, r *http.Request) {
		var out []map[string]any
		for name, repo := range f.repos {
			out = append(out, map[string]any{"name": name, "default_branch": repo.defaultBranch})
		}
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("GET /repos/{owner}/{repo}", func(w http.ResponseWriter, r *http.Request) {
		repo, ok := f.repos[r.PathValue("repo")]
		if !ok {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"name": r.PathValue("repo"), "default_branch": repo.defaultBranch,
		})
	})

	mux.HandleFunc("GET /repos/{owner}/{repo}/git/trees/{ref}", func(w http.ResponseWriter, r *http.Request) {
		repo, ok := f.repos[r.PathValue("repo")]
		if !ok {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		tree := []map[string]any{{"path": "subdir", "type": "tree", "sha": "tree-sha"}}
		for path, content := range repo.files {
			tree = append(tree, map[string]any{
				"path": path, "type": "blob", "sha": blobSHA(content), "size": len(content),
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"truncated": false, "tree": tree})
	})

	mux.HandleFunc("GET /repos/{owner}/{repo}/git/blobs/{sha}", func(w http.ResponseWriter, r *http.Request) {
		repo := f.repos[r.PathValue("repo")]
		for _, content := range repo.files {
			if blobSHA(content) == r.PathValue("sha") {
				json.NewEncoder(w).Encode(map[string]any{
					"content":  base64.StdEncoding.EncodeToString([]byte(content)),
					"encoding": "base64",
				})
				return
			}
		}
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})

	return mux
}

func collect(t *testing.T, it scanner.Iterator) []scanner.Item {
	t.Helper()
	var all []scanner.Item
	for {
		items, err := it.Next(context.Background())
		require.NoError(t, err)
		if items == nil {
			return all
		}
		all = append(all, items...)
	}
}

func TestScan_SingleRepo(t *testing.T) {
	gh := &fakeGitHub{repos: map[string]fakeRepo{
		"data": {defaultBranch: "main", files: map[string]string{
			"README.md":      "# data",
			"sets/train.csv": "a,b,c",
		}},
	}}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	s, err := New(Config{Owner: "acme", Repo: "data", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, "github://acme/data", s.SourceRef())

	it, err := s.Scan(context.Background())
	require.NoError(t, err)
	items := collect(t, it)
	require.Len(t, items, 2)

	byName := map[string]scanner.Item{}
	for _, item := range items {
		byName[item.Meta.Name] = item
	}
	csv := byName["sets/train.csv"]
	assert.Equal(t, "github://acme/data@main/sets/train.csv", csv.Locator)
	assert.Equal(t, blobSHA("a,b,c"), csv.Stamp)
	assert.EqualValues(t, 5, csv.Meta.Size)
	assert.Equal(t, "acme", csv.Meta.Owner)

	method, ok := csv.Method.(*routes.GithubMethod)
	require.True(t, ok)
	assert.Equal(t, "acme", method.Owner)
	assert.Equal(t, "data", method.Repo)
	assert.Equal(t, "main", method.Ref.Branch)
	assert.Equal(t, "sets/train.csv", method.Path)
}

func TestScan_AllOwnerRepos(t *testing.T) {
	gh := &fakeGitHub{repos: map[string]fakeRepo{
		"one": {defaultBranch: "main", files: map[string]string{"a.txt": "aaa"}},
		"two": {defaultBranch: "trunk", files: map[string]string{"b.txt": "bbb"}},
	}}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	s, err := New(Config{Owner: "acme", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, "github://acme", s.SourceRef())

	it, err := s.Scan(context.Background())
	require.NoError(t, err)
	items := collect(t, it)
	assert.Len(t, items, 2)
}

func TestScan_PathPrefix(t *testing.T) {
	gh := &fakeGitHub{repos: map[string]fakeRepo{
		"data": {defaultBranch: "main", files: map[string]string{
			"docs/a.md":  "a",
			"sets/b.csv": "b",
		}},
	}}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	s, err := New(Config{Owner: "acme", Repo: "data", PathPrefix: "sets/", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	it, err := s.Scan(context.Background())
	require.NoError(t, err)
	items := collect(t, it)
	require.Len(t, items, 1)
	assert.Equal(t, "sets/b.csv", items[0].Meta.Name)
}

func TestScan_MissingRepoIsUnreachable(t *testing.T) {
	gh := &fakeGitHub{repos: map[string]fakeRepo{}}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	s, err := New(Config{Owner: "acme", Repo: "absent", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = s.Scan(context.Background())
	require.ErrorIs(t, err, scanner.ErrSourceUnreachable)
}

func TestFetch(t *testing.T) {
	gh := &fakeGitHub{repos: map[string]fakeRepo{
		"data": {defaultBranch: "main", files: map[string]string{"a.txt": "file contents"}},
	}}
	srv := httptest.NewServer(gh.handler(t))
	defer srv.Close()

	s, err := New(Config{Owner: "acme", Repo: "data", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	it, err := s.Scan(context.Background())
	require.NoError(t, err)
	items := collect(t, it)
	require.Len(t, items, 1)

	body, err := s.Fetch(context.Background(), items[0])
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "file contents", string(raw))
}

func TestNew_RequiresOwner(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestParseLinkNext(t *testing.T) {
	header := `<https://api.github.com/repos?page=2>; rel="next", <https://api.github.com/repos?page=9>; rel="last"`
	assert.Equal(t, "https://api.github.com/repos?page=2", parseLinkNext(header))
	assert.Equal(t, "", parseLinkNext(`<https://x>; rel="last"`))
	assert.Equal(t, "", parseLinkNext(""))
}
