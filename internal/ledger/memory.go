// Package ledger provides an in-process append only ledger. It stands in for
// a real chain in development setups and tests; every payload gets a
// transaction id and can be fetched back by it.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

var ErrPayloadTooLarge = errors.New("ledger: payload too large")

type Option func(*Memory)

// WithMaxPayload limits the size of a single submitted payload.
func WithMaxPayload(n int) Option {
	return func(m *Memory) { m.maxPayload = n }
}

// WithJitter delays every confirmation by a random duration up to max, so
// concurrent submissions confirm out of order.
func WithJitter(max time.Duration) Option {
	return func(m *Memory) { m.jitter = max }
}

// WithFailure makes every Submit fail with err.
func WithFailure(err error) Option {
	return func(m *Memory) { m.failure = err }
}

type Memory struct {
	mu         sync.RWMutex
	txs        map[string][]byte
	order      []string
	seq        uint64
	maxPayload int
	jitter     time.Duration
	failure    error
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{txs: make(map[string][]byte)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Submit appends payload and returns its transaction id once confirmed.
func (m *Memory) Submit(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.failure != nil {
		return "", m.failure
	}
	if m.maxPayload > 0 && len(payload) > m.maxPayload {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), m.maxPayload)
	}

	if m.jitter > 0 {
		d := time.Duration(rand.Int63n(int64(m.jitter)))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	sum := sha256.Sum256(append([]byte(fmt.Sprintf("%d:", m.seq)), payload...))
	tx := "0x" + hex.EncodeToString(sum[:])
	m.txs[tx] = append([]byte(nil), payload...)
	m.order = append(m.order, tx)
	return tx, nil
}

// Fetch returns the payload of a confirmed transaction.
func (m *Memory) Fetch(ctx context.Context, txID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%w: tx %s", storage.ErrNotFound, txID)
	}
	return append([]byte(nil), p...), nil
}

// Len returns the number of confirmed transactions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Confirmed returns the transaction ids in confirmation order.
func (m *Memory) Confirmed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
