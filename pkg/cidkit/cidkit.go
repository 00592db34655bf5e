// Package cidkit computes and parses the content identifiers used as the
// identity key throughout the router and the CRP index.
//
// A CID is self-describing: it carries the hash algorithm and the content
// codec alongside the digest, so identifiers computed today stay valid when
// new algorithms are introduced.
package cidkit

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// ErrInvalidCID is returned when a string does not parse as a CID.
var ErrInvalidCID = errors.New("invalid cid format")

// Algorithm is a multihash code identifying the hash function of a CID.
type Algorithm uint64

const (
	SHA2_256 Algorithm = Algorithm(mh.SHA2_256)
	BLAKE3   Algorithm = Algorithm(mh.BLAKE3)
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = SHA2_256

// DefaultCodec is used when no codec is configured. Raw is the standard
// codec for opaque blob content.
const DefaultCodec = multicodec.Raw

// ParseAlgorithm maps a configuration string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "", "sha2-256":
		return SHA2_256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return 0, fmt.Errorf("unknown hash algorithm %q", s)
	}
}

func (a Algorithm) String() string {
	switch a {
	case SHA2_256:
		return "sha2-256"
	case BLAKE3:
		return "blake3"
	default:
		return fmt.Sprintf("multihash(0x%x)", uint64(a))
	}
}

func (a Algorithm) newHasher() (hash.Hash, error) {
	switch a {
	case SHA2_256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm 0x%x", uint64(a))
	}
}

// Compute hashes the content from r and returns a CIDv1 carrying the given
// algorithm and codec tags. The content is streamed through the hasher, so
// arbitrarily large inputs never need to be buffered.
//
// Equal content under the same algorithm and codec always yields byte-equal
// CIDs.
func Compute(r io.Reader, alg Algorithm, codec multicodec.Code) (cid.Cid, error) {
	hasher, err := alg.newHasher()
	if err != nil {
		return cid.Undef, err
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return cid.Undef, fmt.Errorf("hash content: %w", err)
	}

	encoded, err := mh.Encode(hasher.Sum(nil), uint64(alg))
	if err != nil {
		return cid.Undef, fmt.Errorf("wrap multihash: %w", err)
	}

	return cid.NewCidV1(uint64(codec), mh.Multihash(encoded)), nil
}

// ComputeBytes is Compute over an in-memory byte slice.
func ComputeBytes(data []byte, alg Algorithm, codec multicodec.Code) (cid.Cid, error) {
	hasher, err := alg.newHasher()
	if err != nil {
		return cid.Undef, err
	}
	hasher.Write(data)

	encoded, err := mh.Encode(hasher.Sum(nil), uint64(alg))
	if err != nil {
		return cid.Undef, fmt.Errorf("wrap multihash: %w", err)
	}

	return cid.NewCidV1(uint64(codec), mh.Multihash(encoded)), nil
}

// Decode parses a string-encoded CID. Failures wrap ErrInvalidCID so callers
// can reject malformed input before doing any I/O.
func Decode(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %q: %v", ErrInvalidCID, s, err)
	}
	return c, nil
}
