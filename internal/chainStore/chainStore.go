// Package chainStore stores ciphertext on a ledger. A blob is split into
// fixed size chunks, each chunk is written as its own transaction and a final
// manifest transaction lists the chunk transactions in their original order.
package chainStore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	boxochunker "github.com/ipfs/boxo/chunker"

	"github.com/i5heu/ouroboros-vault/pkg/storage"
	workerpool "github.com/i5heu/ouroboros-vault/pkg/workerPool"
)

const DefaultChunkSize = 32 * 1024

// Ledger is an append only transaction log.
type Ledger interface {
	// Submit writes payload and returns its transaction id once confirmed.
	Submit(ctx context.Context, payload []byte) (string, error)
	// Fetch returns the payload of a transaction or an error matching
	// storage.ErrNotFound.
	Fetch(ctx context.Context, txID string) ([]byte, error)
}

type Config struct {
	Ledger Ledger
	// ChunkSize is the number of ciphertext bytes per chunk transaction.
	ChunkSize int
	// MaxPayload is the ledger's per-transaction payload limit; 0 means
	// unlimited. ChunkSize plus encoding overhead must fit into it.
	MaxPayload int
	Pool       *workerpool.WorkerPool
	Logger     *slog.Logger
}

type Store struct {
	ledger     Ledger
	chunkSize  int
	maxPayload int
	wp         *workerpool.WorkerPool
	ownPool    bool
	log        *slog.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("chainStore: ledger is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxPayload > 0 && cfg.ChunkSize+chunkOverhead > cfg.MaxPayload {
		return nil, fmt.Errorf("chainStore: chunk size %d does not fit max payload %d", cfg.ChunkSize, cfg.MaxPayload)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Store{
		ledger:     cfg.Ledger,
		chunkSize:  cfg.ChunkSize,
		maxPayload: cfg.MaxPayload,
		wp:         cfg.Pool,
		log:        cfg.Logger,
	}
	if s.wp == nil {
		s.wp = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 8})
		s.ownPool = true
	}
	return s, nil
}

// Close releases the worker pool when the store created it.
func (s *Store) Close() {
	if s.ownPool {
		s.wp.Close()
	}
}

func (s *Store) Tag() storage.Tag { return storage.TagChain }

type submitResult struct {
	index int
	tx    string
	err   error
}

// Put writes every chunk, then the manifest. Chunk transactions are submitted
// concurrently and may confirm in any order.
func (s *Store) Put(ctx context.Context, ciphertext []byte, name, mime string) (storage.Locator, error) {
	fileID := uuid.NewString()

	chunks, err := split(ciphertext, s.chunkSize)
	if err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagChain, err)
	}

	room := s.wp.CreateRoom(len(chunks))
	for i, data := range chunks {
		i, payload := i, encodeChunk(chunk{FileID: fileID, Index: uint64(i), Data: data})
		err := room.NewTaskWaitForFreeSlot(func() interface{} {
			tx, err := s.ledger.Submit(ctx, payload)
			return submitResult{index: i, tx: tx, err: err}
		})
		if err != nil {
			room.Collect()
			return storage.Locator{}, storage.Unavailable(storage.TagChain, err)
		}
	}

	txs := make([]string, len(chunks))
	var errs []error
	for _, r := range room.Collect() {
		res := r.(submitResult)
		if res.err != nil {
			errs = append(errs, fmt.Errorf("chunk %d: %w", res.index, res.err))
			continue
		}
		txs[res.index] = res.tx
	}
	if len(errs) > 0 {
		return storage.Locator{}, storage.Unavailable(storage.TagChain, errors.Join(errs...))
	}

	m, err := encodeManifest(manifest{
		FileID:     fileID,
		Name:       name,
		Mime:       mime,
		Size:       uint64(len(ciphertext)),
		ChunkSize:  uint64(s.chunkSize),
		ChunkCount: uint64(len(chunks)),
		ChunkTxs:   txs,
	})
	if err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagChain, err)
	}
	if s.maxPayload > 0 && len(m) > s.maxPayload {
		return storage.Locator{}, storage.Unavailable(storage.TagChain,
			fmt.Errorf("manifest of %d chunks is %d bytes, ledger limit is %d", len(chunks), len(m), s.maxPayload))
	}

	manifestTx, err := s.ledger.Submit(ctx, m)
	if err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagChain, fmt.Errorf("manifest: %w", err))
	}

	s.log.Debug("stored blob on ledger", "file", fileID, "chunks", len(chunks), "manifest", manifestTx)
	return storage.ChainLocator(fileID, manifestTx), nil
}

type fetchResult struct {
	index int
	data  []byte
	err   error
}

// Get loads the manifest and reassembles the chunks in manifest order.
func (s *Store) Get(ctx context.Context, loc storage.Locator) ([]byte, error) {
	if loc.Tag != storage.TagChain {
		return nil, fmt.Errorf("%w: chain store got %q locator", storage.ErrInvalidLocator, loc.Tag)
	}

	raw, err := s.fetch(ctx, loc.ManifestTx)
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(raw)
	if err != nil {
		return nil, storage.Unavailable(storage.TagChain, err)
	}
	if m.FileID != loc.ChainFileID {
		return nil, storage.Unavailable(storage.TagChain,
			fmt.Errorf("manifest belongs to file %s, locator names %s", m.FileID, loc.ChainFileID))
	}

	room := s.wp.CreateRoom(len(m.ChunkTxs))
	for i, tx := range m.ChunkTxs {
		i, tx := i, tx
		err := room.NewTaskWaitForFreeSlot(func() interface{} {
			b, err := s.fetch(ctx, tx)
			return fetchResult{index: i, data: b, err: err}
		})
		if err != nil {
			room.Collect()
			return nil, storage.Unavailable(storage.TagChain, err)
		}
	}

	parts := make([][]byte, len(m.ChunkTxs))
	for _, r := range room.Collect() {
		res := r.(fetchResult)
		if res.err != nil {
			return nil, res.err
		}
		c, err := decodeChunk(res.data)
		if err != nil {
			return nil, storage.Unavailable(storage.TagChain, err)
		}
		if c.FileID != m.FileID || c.Index != uint64(res.index) {
			return nil, storage.Unavailable(storage.TagChain,
				fmt.Errorf("chunk at position %d is %s#%d", res.index, c.FileID, c.Index))
		}
		parts[res.index] = c.Data
	}

	out := bytes.Join(parts, nil)
	if uint64(len(out)) != m.Size {
		return nil, storage.Unavailable(storage.TagChain,
			fmt.Errorf("reassembled %d bytes, manifest says %d", len(out), m.Size))
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func (s *Store) fetch(ctx context.Context, tx string) ([]byte, error) {
	b, err := s.ledger.Fetch(ctx, tx)
	if err == nil {
		return b, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return nil, storage.Unavailable(storage.TagChain, err)
}

// split cuts data into chunkSize pieces. An empty blob yields one empty chunk
// so that every file has at least one chunk transaction.
func split(data []byte, chunkSize int) ([][]byte, error) {
	spl := boxochunker.NewSizeSplitter(bytes.NewReader(data), int64(chunkSize))
	var chunks [][]byte
	for {
		b, err := spl.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, b)
	}
	if len(chunks) == 0 {
		chunks = append(chunks, []byte{})
	}
	return chunks, nil
}
