package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeystore_RoundTrip(t *testing.T) {
	ks, err := NewFileKeystore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, ks.Save("alpha", []byte("secret")))
	got, err := ks.Load("alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

func TestFileKeystore_Overwrite(t *testing.T) {
	ks, err := NewFileKeystore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, ks.Save("k", []byte("one")))
	require.NoError(t, ks.Save("k", []byte("two")))

	got, err := ks.Load("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestFileKeystore_Missing(t *testing.T) {
	ks, err := NewFileKeystore(t.TempDir())
	require.NoError(t, err)

	_, err = ks.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileKeystore_Delete(t *testing.T) {
	ks, err := NewFileKeystore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, ks.Save("k", []byte("v")))
	require.NoError(t, ks.Delete("k"))

	_, err = ks.Load("k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Idempotent.
	assert.NoError(t, ks.Delete("k"))
}
