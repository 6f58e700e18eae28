package sha256

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, helloDigest, got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestReaderMatchesHash(t *testing.T) {
	t.Parallel()

	r := New().NewReader(strings.NewReader("hello world"))
	data, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, helloDigest, r.Sum())
	assert.EqualValues(t, 11, r.BytesRead())
}
