// Package storage defines the contract shared by every ciphertext backend and
// the Router that tries them in priority order.
//
// Backends never see each other's locators: the Router owns the tagging
// scheme and dispatches Get purely on Locator.Tag.
package storage

import (
	"context"
	"fmt"
)

// Backend stores opaque ciphertext blobs.
type Backend interface {
	Tag() Tag
	// Put stores ciphertext and returns where it lives. Failures should match
	// ErrStorageUnavailable.
	Put(ctx context.Context, ciphertext []byte, name, mime string) (Locator, error)
	// Get returns the blob behind loc or an error matching ErrNotFound or
	// ErrStorageUnavailable.
	Get(ctx context.Context, loc Locator) ([]byte, error)
}

// Deleter is implemented by backends that can physically remove ciphertext.
type Deleter interface {
	Delete(ctx context.Context, loc Locator) error
}

type disabled struct {
	tag    Tag
	reason string
}

// Disabled returns a placeholder for a tier that is not configured. It keeps
// the tier in the fallback order so failure reports always name every tier.
func Disabled(tag Tag, reason string) Backend {
	return disabled{tag: tag, reason: reason}
}

func (d disabled) Tag() Tag { return d.tag }

func (d disabled) Put(context.Context, []byte, string, string) (Locator, error) {
	return Locator{}, Unavailable(d.tag, fmt.Errorf("not configured: %s", d.reason))
}

func (d disabled) Get(context.Context, Locator) ([]byte, error) {
	return nil, Unavailable(d.tag, fmt.Errorf("not configured: %s", d.reason))
}
