package chainStore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vault/internal/ledger"
	"github.com/i5heu/ouroboros-vault/internal/testutil"
	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

func randomBytes(t *testing.T, n int) []byte {
	return testutil.RandomBytes(t, n)
}

func TestReassemblyIgnoresConfirmationOrder(t *testing.T) {
	l := ledger.NewMemory(ledger.WithJitter(5 * time.Millisecond))
	s, err := New(Config{Ledger: l, ChunkSize: 1024})
	require.NoError(t, err)
	defer s.Close()

	data := randomBytes(t, 10*1024+17)
	loc, err := s.Put(context.Background(), data, "report.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, storage.TagChain, loc.Tag)
	require.NoError(t, loc.Validate())
	// 11 chunks plus the manifest
	assert.Equal(t, 12, l.Len())

	got, err := s.Get(context.Background(), loc)
	require.NoError(t, err)
	if !bytes.Equal(data, got) {
		t.Fatalf("reassembled content differs from original")
	}
}

func TestSingleAndEmptyBlobs(t *testing.T) {
	l := ledger.NewMemory()
	s, err := New(Config{Ledger: l, ChunkSize: 64})
	require.NoError(t, err)
	defer s.Close()

	for _, data := range [][]byte{{}, []byte("0123456789"), randomBytes(t, 64)} {
		loc, err := s.Put(context.Background(), data, "f", "text/plain")
		require.NoError(t, err)
		got, err := s.Get(context.Background(), loc)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestManifestCarriesMetadata(t *testing.T) {
	l := ledger.NewMemory()
	s, err := New(Config{Ledger: l, ChunkSize: 8})
	require.NoError(t, err)
	defer s.Close()

	loc, err := s.Put(context.Background(), []byte("abcdefghijklmnopq"), "notes.txt", "text/plain")
	require.NoError(t, err)

	raw, err := l.Fetch(context.Background(), loc.ManifestTx)
	require.NoError(t, err)
	m, err := decodeManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, loc.ChainFileID, m.FileID)
	assert.Equal(t, "notes.txt", m.Name)
	assert.Equal(t, "text/plain", m.Mime)
	assert.Equal(t, uint64(17), m.Size)
	assert.Equal(t, uint64(3), m.ChunkCount)
	assert.Len(t, m.ChunkTxs, 3)
}

func TestSwappedChunkOrderIsRejected(t *testing.T) {
	l := ledger.NewMemory()
	s, err := New(Config{Ledger: l, ChunkSize: 4})
	require.NoError(t, err)
	defer s.Close()

	loc, err := s.Put(context.Background(), []byte("aaaabbbbcccc"), "f", "m")
	require.NoError(t, err)

	raw, err := l.Fetch(context.Background(), loc.ManifestTx)
	require.NoError(t, err)
	m, err := decodeManifest(raw)
	require.NoError(t, err)
	m.ChunkTxs[0], m.ChunkTxs[1] = m.ChunkTxs[1], m.ChunkTxs[0]

	forged, err := encodeManifest(m)
	require.NoError(t, err)
	tx, err := l.Submit(context.Background(), forged)
	require.NoError(t, err)

	_, err = s.Get(context.Background(), storage.ChainLocator(loc.ChainFileID, tx))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk at position")
}

func TestLedgerFailureIsUnavailable(t *testing.T) {
	l := ledger.NewMemory(ledger.WithFailure(errors.New("rpc down")))
	s, err := New(Config{Ledger: l, ChunkSize: 4})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(context.Background(), []byte("0123456789"), "f", "m")
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "rpc down")
}

func TestManifestOverPayloadLimitIsUnavailable(t *testing.T) {
	l := ledger.NewMemory(ledger.WithMaxPayload(128))
	s, err := New(Config{Ledger: l, ChunkSize: 16, MaxPayload: 128})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(context.Background(), randomBytes(t, 16*40), "f", "m")
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "manifest")
}

func TestChunkSizeMustFitPayload(t *testing.T) {
	_, err := New(Config{Ledger: ledger.NewMemory(), ChunkSize: 1000, MaxPayload: 1000})
	require.Error(t, err)
}

func TestMissingManifestIsNotFound(t *testing.T) {
	s, err := New(Config{Ledger: ledger.NewMemory()})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(context.Background(), storage.ChainLocator("f", "0xdead"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChunkCodec(t *testing.T) {
	in := chunk{FileID: "4f1c2b0e-8a9d-4e61-9d3c-1a2b3c4d5e6f", Index: 300, Data: []byte("payload")}
	out, err := decodeChunk(encodeChunk(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeChunk([]byte{kindManifest, 1, 2})
	require.Error(t, err)
}

func TestLargeBlobRoundTrip(t *testing.T) {
	testutil.RequireLong(t)

	l := ledger.NewMemory(ledger.WithJitter(time.Millisecond))
	s, err := New(Config{Ledger: l, ChunkSize: 16 * 1024})
	require.NoError(t, err)
	defer s.Close()

	data := randomBytes(t, 4<<20)
	loc, err := s.Put(context.Background(), data, "disk.img", "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, 257, l.Len())

	got, err := s.Get(context.Background(), loc)
	require.NoError(t, err)
	if !bytes.Equal(data, got) {
		t.Fatalf("reassembled content differs from original")
	}
}
