// Package routes defines the wire contract shared by the router and every
// CID route provider: a route describes one method for retrieving the
// content behind a CID.
//
// Routes are opaque to the router beyond their kind tag and identity; the
// schema of the method payload is defined by the kind. Routes are immutable
// once produced — a changed location is a new route for the same CID.
package routes

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags the retrieval protocol of a route. Consumers switch over Kind
// exhaustively; adding a kind is a compile-visible enumeration change.
type Kind string

const (
	KindURL         Kind = "url"
	KindIPFS        Kind = "ipfs"
	KindIroh        Kind = "iroh"
	KindGCS         Kind = "gcs"
	KindS3          Kind = "aws_s3"
	KindAzureBlob   Kind = "azure_blob_storage"
	KindGithub      Kind = "github"
	KindHuggingFace Kind = "huggingface"
)

// Route is one method for resolving a CID to content or related resources.
type Route struct {
	// CRPID identifies the provider the route came from. Optional; only
	// routers aggregating multiple providers set it.
	CRPID string `json:"crp_id,omitempty"`
	// Type tags the method schema.
	Type Kind `json:"type"`
	// Method carries the kind-specific retrieval parameters.
	Method json.RawMessage `json:"method"`
	// Metadata carries optional kind-specific extras.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Method is implemented by the typed method payloads below.
type Method interface {
	Kind() Kind
}

// New builds a Route from a typed method.
func New(m Method) (Route, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Route{}, fmt.Errorf("encode %s route method: %w", m.Kind(), err)
	}
	return Route{Type: m.Kind(), Method: raw}, nil
}

// Identity returns the merge key for a route: its kind plus the canonical
// form of its method payload. Two routes with equal identity describe the
// same location and collapse to one during resolution. The provider tag and
// metadata are deliberately excluded so the same location reported by two
// providers deduplicates.
func (r Route) Identity() string {
	return string(r.Type) + "\x00" + canonicalJSON(r.Method)
}

// canonicalJSON re-encodes raw JSON with object keys sorted and no
// insignificant whitespace, so syntactically different encodings of the
// same value compare equal. Malformed payloads fall back to their raw text.
func canonicalJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v) // map keys are sorted by encoding/json
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// SortByIdentity orders routes deterministically. Used to make response
// ordering independent of network arrival order.
func SortByIdentity(rs []Route) {
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].Identity() < rs[j].Identity()
	})
}

// URLMethod resolves a CID by fetching content from a URL.
type URLMethod struct {
	URL string `json:"url"`
}

func (URLMethod) Kind() Kind { return KindURL }

// IPFSMethod resolves a CID via the global IPFS network.
type IPFSMethod struct {
	CID string `json:"cid"`
}

func (IPFSMethod) Kind() Kind { return KindIPFS }

// IrohMethod resolves a CID by dialing an iroh node with a blob ticket.
type IrohMethod struct {
	Ticket string `json:"ticket"`
}

func (IrohMethod) Kind() Kind { return KindIroh }

// GCSMethod resolves a CID by fetching an object from Google Cloud Storage.
type GCSMethod struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
}

func (GCSMethod) Kind() Kind { return KindGCS }

// S3Method resolves a CID by fetching an object from an AWS S3 bucket.
type S3Method struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
}

func (S3Method) Kind() Kind { return KindS3 }

// AzureBlobMethod resolves a CID by fetching a blob from Azure Blob Storage.
type AzureBlobMethod struct {
	Account   string `json:"account"`
	Container string `json:"container"`
	Name      string `json:"name"`
}

func (AzureBlobMethod) Kind() Kind { return KindAzureBlob }

// Ref names a point in a repository's history. Exactly one field is set.
type Ref struct {
	Branch string `json:"branch,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// String renders the ref for use in API paths and locators.
func (r Ref) String() string {
	switch {
	case r.Branch != "":
		return r.Branch
	case r.Tag != "":
		return r.Tag
	default:
		return r.Commit
	}
}

// GithubMethod resolves a CID by fetching a file from a GitHub repository.
type GithubMethod struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Ref   Ref    `json:"ref"`
	// Path optionally narrows the route to a file or subdirectory.
	Path string `json:"path,omitempty"`
}

func (GithubMethod) Kind() Kind { return KindGithub }

// HuggingFaceMethod resolves a CID by fetching a file from a HuggingFace
// repository.
type HuggingFaceMethod struct {
	Repo string `json:"repo"`
	Ref  Ref    `json:"ref"`
	Path string `json:"path,omitempty"`
}

func (HuggingFaceMethod) Kind() Kind { return KindHuggingFace }
