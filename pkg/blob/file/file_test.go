package file

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	ok, err := store.Exists("pkg-abc.obscpio")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Write("pkg-abc.obscpio", []byte("archive body")))

	ok, err = store.Exists("pkg-abc.obscpio")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := store.Read("pkg-abc.obscpio")
	require.NoError(t, err)
	assert.Equal(t, []byte("archive body"), data)
}

func TestReadMissing(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Read("absent")
	assert.Error(t, err)
}
