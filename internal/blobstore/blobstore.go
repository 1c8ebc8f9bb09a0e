// Package blobstore defines the gateway's view of the durable snapshot
// store: whole-repository bundles addressed by an opaque locator. The core
// never interprets locators; each backend mints its own.
package blobstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports that no blob exists for a locator.
	ErrNotFound = errors.New("blobstore: blob not found")

	// ErrInsufficientFunds reports that the backing service refused an
	// upload for lack of balance. Permanent for the attempt at hand.
	ErrInsufficientFunds = errors.New("blobstore: insufficient funds")
)

// Store is the client boundary to the snapshot store.
type Store interface {
	Upload(ctx context.Context, data []byte) (locator string, err error)
	Download(ctx context.Context, locator string) ([]byte, error)
}

// IsPermanent reports whether err should stop upload/download retries.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInsufficientFunds)
}
