package blobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t)

	data := []byte("supplier manifest payload")
	id, err := s.Put(data, MediaManifest)
	require.NoError(t, err)
	assert.Len(t, id, 66)
	assert.Equal(t, ID(data), id)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutDedup(t *testing.T) {
	s := openStore(t)

	data := []byte("same bytes twice")
	id1, err := s.Put(data, MediaProof)
	require.NoError(t, err)
	id2, err := s.Put(data, MediaProof)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	infos, err := s.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestPutRejectsUnknownMediaType(t *testing.T) {
	s := openStore(t)
	_, err := s.Put([]byte("x"), MediaType("video"))
	assert.Error(t, err)
}

func TestGetMiss(t *testing.T) {
	s := openStore(t)
	_, err := s.Get("0x0000000000000000000000000000000000000000000000000000000000000000")
	assert.Error(t, err)
}

func TestPinUnpinRefcount(t *testing.T) {
	s := openStore(t)

	id, err := s.Put([]byte("pinned blob"), MediaOther)
	require.NoError(t, err)

	require.NoError(t, s.Pin(id))
	require.NoError(t, s.Pin(id))

	infos, err := s.List(Filter{Pinned: true})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, int64(2), infos[0].Refcount)

	require.NoError(t, s.Unpin(id))
	require.NoError(t, s.Unpin(id))

	// Unpin at zero refcount is a domain error.
	assert.Error(t, s.Unpin(id))
}

func TestGCDryRunAndSweep(t *testing.T) {
	s := openStore(t)

	b1, err := s.Put([]byte("blob one"), MediaOther)
	require.NoError(t, err)
	b2, err := s.Put([]byte("blob two"), MediaOther)
	require.NoError(t, err)
	b3, err := s.Put([]byte("blob three"), MediaOther)
	require.NoError(t, err)

	// B1 and B2 are referenced by a live registry entry.
	mark := map[string]bool{b1: true, b2: true}

	candidates, err := s.GC(context.Background(), mark, true)
	require.NoError(t, err)
	assert.Equal(t, []string{b3}, candidates)

	// Dry run deleted nothing.
	for _, id := range []string{b1, b2, b3} {
		ok, err := s.Exists(id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	removed, err := s.GC(context.Background(), mark, false)
	require.NoError(t, err)
	assert.Equal(t, []string{b3}, removed)

	ok, err := s.Exists(b3)
	require.NoError(t, err)
	assert.False(t, ok)
	for _, id := range []string{b1, b2} {
		ok, err := s.Exists(id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestGCSparesPinnedBlobs(t *testing.T) {
	s := openStore(t)

	id, err := s.Put([]byte("pinned survivor"), MediaOther)
	require.NoError(t, err)
	require.NoError(t, s.Pin(id))

	removed, err := s.GC(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Empty(t, removed)

	ok, err := s.Exists(id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGCCancelled(t *testing.T) {
	s := openStore(t)

	_, err := s.Put([]byte("doomed"), MediaOther)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.GC(ctx, nil, false)
	assert.Error(t, err)
}

func TestListByMediaType(t *testing.T) {
	s := openStore(t)

	_, err := s.Put([]byte("a wasm module"), MediaWasm)
	require.NoError(t, err)
	_, err = s.Put([]byte("a proof"), MediaProof)
	require.NoError(t, err)

	infos, err := s.List(Filter{MediaType: MediaWasm})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, MediaWasm, infos[0].MediaType)
}
