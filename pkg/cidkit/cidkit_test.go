package cidkit

import (
	"bytes"
	"strings"
	"testing"

	"github.com/multiformats/go-multicodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_Deterministic(t *testing.T) {
	content := []byte("hello, content-addressed world")

	c1, err := Compute(bytes.NewReader(content), SHA2_256, multicodec.Raw)
	require.NoError(t, err)
	c2, err := Compute(bytes.NewReader(content), SHA2_256, multicodec.Raw)
	require.NoError(t, err)

	assert.Equal(t, c1.String(), c2.String())
	assert.True(t, c1.Equals(c2))
}

func TestCompute_DifferentContentDifferentCID(t *testing.T) {
	c1, err := Compute(strings.NewReader("one"), SHA2_256, multicodec.Raw)
	require.NoError(t, err)
	c2, err := Compute(strings.NewReader("two"), SHA2_256, multicodec.Raw)
	require.NoError(t, err)

	assert.NotEqual(t, c1.String(), c2.String())
}

func TestCompute_AlgorithmTaggedInCID(t *testing.T) {
	content := []byte("same bytes, different hashers")

	sha, err := ComputeBytes(content, SHA2_256, multicodec.Raw)
	require.NoError(t, err)
	b3, err := ComputeBytes(content, BLAKE3, multicodec.Raw)
	require.NoError(t, err)

	assert.NotEqual(t, sha.String(), b3.String())
	assert.Equal(t, uint64(SHA2_256), sha.Prefix().MhType)
	assert.Equal(t, uint64(BLAKE3), b3.Prefix().MhType)
}

func TestCompute_CodecTaggedInCID(t *testing.T) {
	c, err := ComputeBytes([]byte("payload"), SHA2_256, multicodec.Json)
	require.NoError(t, err)
	assert.Equal(t, uint64(multicodec.Json), c.Prefix().Codec)
	assert.EqualValues(t, 1, c.Prefix().Version)
}

func TestCompute_StreamMatchesBytes(t *testing.T) {
	content := bytes.Repeat([]byte("abc123"), 10_000)

	streamed, err := Compute(bytes.NewReader(content), BLAKE3, multicodec.Raw)
	require.NoError(t, err)
	buffered, err := ComputeBytes(content, BLAKE3, multicodec.Raw)
	require.NoError(t, err)

	assert.Equal(t, buffered.String(), streamed.String())
}

func TestCompute_UnknownAlgorithm(t *testing.T) {
	_, err := ComputeBytes([]byte("x"), Algorithm(0xdead), multicodec.Raw)
	require.Error(t, err)
}

func TestDecode(t *testing.T) {
	c, err := ComputeBytes([]byte("round trip"), SHA2_256, multicodec.Raw)
	require.NoError(t, err)

	parsed, err := Decode(c.String())
	require.NoError(t, err)
	assert.True(t, c.Equals(parsed))
}

func TestDecode_Invalid(t *testing.T) {
	for _, raw := range []string{"", "not-a-cid", "bafybad!!!", "12345"} {
		_, err := Decode(raw)
		require.ErrorIs(t, err, ErrInvalidCID, "input %q", raw)
	}
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm("sha2-256")
	require.NoError(t, err)
	assert.Equal(t, SHA2_256, alg)

	alg, err = ParseAlgorithm("blake3")
	require.NoError(t, err)
	assert.Equal(t, BLAKE3, alg)

	alg, err = ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, SHA2_256, alg)

	_, err = ParseAlgorithm("md5")
	require.Error(t, err)
}
