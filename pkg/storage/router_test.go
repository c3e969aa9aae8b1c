package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	tag    Tag
	putErr error
	block  bool

	mu    sync.Mutex
	puts  int
	blobs map[string][]byte
}

func newFake(tag Tag, putErr error) *fakeBackend {
	return &fakeBackend{tag: tag, putErr: putErr, blobs: make(map[string][]byte)}
}

func (f *fakeBackend) Tag() Tag { return f.tag }

func (f *fakeBackend) Put(ctx context.Context, ciphertext []byte, _, _ string) (Locator, error) {
	f.mu.Lock()
	f.puts++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return Locator{}, ctx.Err()
	}
	if f.putErr != nil {
		return Locator{}, f.putErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(f.tag) + "-blob"
	f.blobs[key] = append([]byte(nil), ciphertext...)
	switch f.tag {
	case TagNetwork:
		return NetworkLocator(key), nil
	case TagChain:
		return ChainLocator(key, "tx"), nil
	case TagLocal:
		return LocalLocator(key), nil
	default:
		return RelationalLocator(key), nil
	}
}

func (f *fakeBackend) Get(_ context.Context, loc Locator) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := loc.Address()
	if loc.Tag == TagChain {
		key = loc.ChainFileID
	}
	b, ok := f.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (f *fakeBackend) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func fourTiers(errs ...error) []*fakeBackend {
	fakes := make([]*fakeBackend, len(DefaultOrder))
	for i, tag := range DefaultOrder {
		var err error
		if i < len(errs) {
			err = errs[i]
		}
		fakes[i] = newFake(tag, err)
	}
	return fakes
}

func asBackends(fakes []*fakeBackend) []Backend {
	out := make([]Backend, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

func TestRouterStoresOnFirstHealthyBackend(t *testing.T) {
	fakes := fourTiers()
	r, err := NewRouter(RouterConfig{}, asBackends(fakes)...)
	require.NoError(t, err)

	res, err := r.Store(context.Background(), []byte("cipher"), "a.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, TagNetwork, res.Locator.Tag)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 0, fakes[1].putCount())
}

func TestRouterFallsThroughToLocal(t *testing.T) {
	fakes := fourTiers(
		Unavailable(TagNetwork, errors.New("pinning api 503")),
		Unavailable(TagChain, errors.New("ledger congested")),
	)
	r, err := NewRouter(RouterConfig{}, asBackends(fakes)...)
	require.NoError(t, err)

	res, err := r.Store(context.Background(), []byte("cipher"), "a.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, TagLocal, res.Locator.Tag)
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, TagNetwork, res.Skipped[0].Tag)
	assert.Equal(t, TagChain, res.Skipped[1].Tag)
	assert.Equal(t, 0, fakes[3].putCount())

	data, err := r.Retrieve(context.Background(), res.Locator)
	require.NoError(t, err)
	assert.Equal(t, []byte("cipher"), data)
}

func TestRouterAllBackendsFailedListsEveryReason(t *testing.T) {
	fakes := fourTiers(
		Unavailable(TagNetwork, errors.New("n")),
		Unavailable(TagChain, errors.New("c")),
		&QuotaExceededError{Tag: TagLocal, Requested: 10, Available: 1},
		Unavailable(TagRelational, errors.New("db down")),
	)
	r, err := NewRouter(RouterConfig{}, asBackends(fakes)...)
	require.NoError(t, err)

	_, err = r.Store(context.Background(), []byte("cipher"), "a.txt", "text/plain")
	var all *AllBackendsFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Failures, 4)
	for i, tag := range DefaultOrder {
		assert.Equal(t, tag, all.Failures[i].Tag)
		assert.Error(t, all.Failures[i].Err)
	}
	var quota *QuotaExceededError
	assert.ErrorAs(t, err, &quota)
	assert.Contains(t, err.Error(), "db down")
}

func TestRouterTimeoutFallsThrough(t *testing.T) {
	fakes := fourTiers()
	fakes[0].block = true
	r, err := NewRouter(RouterConfig{Timeout: 20 * time.Millisecond}, asBackends(fakes)...)
	require.NoError(t, err)

	res, err := r.Store(context.Background(), []byte("cipher"), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, TagChain, res.Locator.Tag)
	require.Len(t, res.Skipped, 1)
	assert.ErrorIs(t, res.Skipped[0].Err, ErrStorageUnavailable)
}

func TestRouterCanceledContextStops(t *testing.T) {
	fakes := fourTiers()
	r, err := NewRouter(RouterConfig{}, asBackends(fakes)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Store(ctx, []byte("x"), "a", "b")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fakes[0].putCount())
}

func TestRouterRetrieveDispatchesOnTagOnly(t *testing.T) {
	fakes := fourTiers()
	r, err := NewRouter(RouterConfig{}, fakes[0], fakes[2])
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), ChainLocator("f", "tx"))
	require.ErrorIs(t, err, ErrUnknownTag)

	_, err = r.Retrieve(context.Background(), LocalLocator("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Retrieve(context.Background(), Locator{Tag: TagLocal})
	require.ErrorIs(t, err, ErrInvalidLocator)
}

func TestRouterDeleteOnImmutableTier(t *testing.T) {
	fakes := fourTiers()
	r, err := NewRouter(RouterConfig{}, asBackends(fakes)...)
	require.NoError(t, err)

	err = r.Delete(context.Background(), NetworkLocator("x"))
	require.ErrorIs(t, err, ErrImmutable)
}

func TestRouterRejectsDuplicateTags(t *testing.T) {
	_, err := NewRouter(RouterConfig{}, newFake(TagLocal, nil), newFake(TagLocal, nil))
	require.Error(t, err)

	_, err = NewRouter(RouterConfig{})
	require.Error(t, err)
}

func TestRouterEnforcesTierOrder(t *testing.T) {
	_, err := NewRouter(RouterConfig{}, newFake(TagLocal, nil), newFake(TagNetwork, nil))
	require.ErrorContains(t, err, "out of order")

	_, err = NewRouter(RouterConfig{}, newFake(TagRelational, nil), newFake(TagChain, nil))
	require.Error(t, err)

	_, err = NewRouter(RouterConfig{}, newFake(Tag("tape"), nil))
	require.ErrorContains(t, err, "unknown backend tag")

	r, err := NewRouter(RouterConfig{}, newFake(TagChain, nil), newFake(TagRelational, nil))
	require.NoError(t, err)
	assert.Equal(t, []Tag{TagChain, TagRelational}, r.Order())
}

func TestDisabledBackendIsUnavailable(t *testing.T) {
	d := Disabled(TagChain, "no ledger")
	_, err := d.Put(context.Background(), nil, "", "")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "no ledger")
}
