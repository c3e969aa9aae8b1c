package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const defaultBackendTimeout = 30 * time.Second

// RouterConfig configures a Router.
type RouterConfig struct {
	// Timeout bounds every single backend call. A timeout counts as a normal
	// failure and triggers fallthrough.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Router tries backends sequentially in the order they were given.
type Router struct {
	backends []Backend
	byTag    map[Tag]Backend
	timeout  time.Duration
	log      *slog.Logger
}

// StoreResult is the outcome of a successful Store.
type StoreResult struct {
	Locator Locator
	// Skipped lists the tiers that failed before the successful one.
	Skipped []BackendFailure
}

// NewRouter creates a Router over backends in priority order. Tags must be
// unique and follow DefaultOrder; tiers may be left out.
func NewRouter(cfg RouterConfig, backends ...Backend) (*Router, error) {
	if len(backends) == 0 {
		return nil, errors.New("storage: router needs at least one backend")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBackendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	rank := make(map[Tag]int, len(DefaultOrder))
	for i, tag := range DefaultOrder {
		rank[tag] = i
	}

	byTag := make(map[Tag]Backend, len(backends))
	last := -1
	for _, b := range backends {
		if b == nil {
			return nil, errors.New("storage: nil backend")
		}
		if _, dup := byTag[b.Tag()]; dup {
			return nil, fmt.Errorf("storage: duplicate backend tag %q", b.Tag())
		}
		r, known := rank[b.Tag()]
		if !known {
			return nil, fmt.Errorf("storage: unknown backend tag %q", b.Tag())
		}
		if r < last {
			return nil, fmt.Errorf("storage: backend %q is out of order, want %v", b.Tag(), DefaultOrder)
		}
		last = r
		byTag[b.Tag()] = b
	}

	return &Router{
		backends: append([]Backend(nil), backends...),
		byTag:    byTag,
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
	}, nil
}

// Order returns the tags in priority order.
func (r *Router) Order() []Tag {
	tags := make([]Tag, len(r.backends))
	for i, b := range r.backends {
		tags[i] = b.Tag()
	}
	return tags
}

// Backend returns the backend registered for tag.
func (r *Router) Backend(tag Tag) (Backend, bool) {
	b, ok := r.byTag[tag]
	return b, ok
}

// Store puts ciphertext on the first backend that accepts it. Each attempt
// finishes (success, failure or timeout) before the next one starts. When all
// backends fail the error is an *AllBackendsFailedError with one entry per
// backend.
func (r *Router) Store(ctx context.Context, ciphertext []byte, name, mime string) (StoreResult, error) {
	var failures []BackendFailure

	for _, b := range r.backends {
		if err := ctx.Err(); err != nil {
			return StoreResult{}, err
		}

		loc, err := r.put(ctx, b, ciphertext, name, mime)
		if err == nil {
			if loc.Tag != b.Tag() {
				err = Unavailable(b.Tag(), fmt.Errorf("backend returned locator tagged %q", loc.Tag))
			} else if verr := loc.Validate(); verr != nil {
				err = Unavailable(b.Tag(), verr)
			}
		}
		if err != nil {
			r.log.Warn("storage backend failed, falling through", "backend", b.Tag(), "error", err)
			failures = append(failures, BackendFailure{Tag: b.Tag(), Err: err})
			continue
		}

		if len(failures) > 0 {
			r.log.Info("stored after skipping backends", "backend", b.Tag(), "skipped", len(failures))
		}
		return StoreResult{Locator: loc, Skipped: failures}, nil
	}

	return StoreResult{}, &AllBackendsFailedError{Failures: failures}
}

func (r *Router) put(ctx context.Context, b Backend, ciphertext []byte, name, mime string) (Locator, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	loc, err := b.Put(callCtx, ciphertext, name, mime)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Locator{}, Unavailable(b.Tag(), fmt.Errorf("timed out after %s: %w", r.timeout, err))
	}
	return loc, err
}

// Retrieve dispatches on the locator's tag. There is no fallback: a locator
// only ever names one backend.
func (r *Router) Retrieve(ctx context.Context, loc Locator) ([]byte, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	b, ok := r.byTag[loc.Tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, loc.Tag)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := b.Get(callCtx, loc)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, ErrStorageUnavailable) {
			return nil, Unavailable(b.Tag(), fmt.Errorf("timed out after %s: %w", r.timeout, err))
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the blob behind loc when its backend supports deletion and
// returns ErrImmutable otherwise.
func (r *Router) Delete(ctx context.Context, loc Locator) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	b, ok := r.byTag[loc.Tag]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTag, loc.Tag)
	}
	d, ok := b.(Deleter)
	if !ok {
		return fmt.Errorf("%w: %s", ErrImmutable, loc.Tag)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return d.Delete(callCtx, loc)
}
