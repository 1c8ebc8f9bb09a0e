// Package ledger defines the gateway's view of the durable metadata ledger:
// one record per repository mapping branch names to commit ids and blob
// store locators. The gateway never assumes a particular record encoding;
// each backend owns its own.
package ledger

import (
	"context"
	"errors"
)

// ErrNotFound reports that the ledger has no record for a repository. It is
// a permanent condition; callers fall back instead of retrying.
var ErrNotFound = errors.New("ledger: repository not found")

// Branch ties a branch name to its commit id and the blob store locator of
// the snapshot containing that commit.
type Branch struct {
	Name        string `json:"name"`
	CommitID    string `json:"commitId"`
	BlobLocator string `json:"blobLocator"`
}

// Record is one repository's ledger entry.
type Record struct {
	Owner    string   `json:"owner"`
	Name     string   `json:"name"`
	Branches []Branch `json:"branches"`
}

// Branch returns the named branch entry, if present.
func (r Record) Branch(name string) (Branch, bool) {
	for _, b := range r.Branches {
		if b.Name == name {
			return b, true
		}
	}
	return Branch{}, false
}

// Ledger is the client boundary to the metadata service. UpdateBranch is
// last-writer-wins per branch, so repeated propagation of the same
// (branch, commit) pair is safe.
type Ledger interface {
	GetRepository(ctx context.Context, owner, name string) (Record, error)
	CreateRepository(ctx context.Context, owner, name string) (Record, error)
	UpdateBranch(ctx context.Context, owner, name, branch, commitID, blobLocator string) error
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should stop retries.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var p *permanentError
	return errors.As(err, &p)
}
