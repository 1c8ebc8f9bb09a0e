// Package gateway orchestrates the protocol surface against the three
// stores: the local bare-repository cache (authoritative), the metadata
// ledger and the snapshot blob store (best-effort mirrors). Repositories
// are hydrated from ledger+blob store on first touch and pushed state is
// propagated back off the request path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/gitvault/gitvault/internal/blobstore"
	"github.com/gitvault/gitvault/internal/compression"
	"github.com/gitvault/gitvault/internal/gitrepo"
	"github.com/gitvault/gitvault/internal/ledger"
	"github.com/gitvault/gitvault/internal/protocol"
)

// RepositoryID is the immutable key of one repository: it derives both the
// local cache path and the ledger lookup key. The caller-supplied owner is
// the storage key; no server-held identity is ever substituted.
type RepositoryID struct {
	Owner string
	Name  string
}

func (id RepositoryID) String() string { return id.Owner + "/" + id.Name }

type entryState int

const (
	stateAbsent entryState = iota
	stateHydrating
	stateReady
)

// entry is the cache slot for one RepositoryID. Its lock serializes
// hydration and pushes; fetches share it as readers. Entries live for the
// process lifetime.
type entry struct {
	mu    sync.RWMutex
	state entryState
	repo  *gitrepo.Repo
}

// Gateway resolves RepositoryIDs to hydrated local repositories and drives
// the push/fetch flows.
type Gateway struct {
	root   string
	ledger ledger.Ledger
	blobs  blobstore.Store
	opts   options
	comp   *compression.Compressor
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[RepositoryID]*entry

	tasks *pool.Pool
}

// New creates a gateway rooted at dir for its local repository cache.
func New(dir string, l ledger.Ledger, b blobstore.Store, opts ...Option) (*Gateway, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	comp, err := compression.NewCompressor(o.compressionLevel, o.compressionEnabled)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}

	return &Gateway{
		root:    dir,
		ledger:  l,
		blobs:   b,
		opts:    o,
		comp:    comp,
		log:     o.logger,
		entries: make(map[RepositoryID]*entry),
		tasks:   pool.New().WithMaxGoroutines(o.propagationWorkers),
	}, nil
}

// Close waits for in-flight propagation tasks and releases resources.
// Tasks already queued run to completion; they are not tied to any client
// connection.
func (g *Gateway) Close() error {
	g.tasks.Wait()
	return g.comp.Close()
}

// DefaultBranch returns the branch used for HEAD resolution and hydration.
func (g *Gateway) DefaultBranch() string { return g.opts.defaultBranch }

// Advertise writes the ref advertisement for a service. Touching an absent
// repository hydrates it first; clients always get an answer, possibly an
// empty repository.
func (g *Gateway) Advertise(ctx context.Context, id RepositoryID, service protocol.Service, w io.Writer) error {
	e, err := g.ensure(ctx, id)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return protocol.AdvertiseRefs(ctx, e.repo, service, g.opts.defaultBranch, w)
}

// Fetch serves an upload-pack request body. Fetches of the same repository
// run concurrently with each other but never overlap a push.
func (g *Gateway) Fetch(ctx context.Context, id RepositoryID, body []byte, w io.Writer) error {
	req, err := protocol.ParseFetchRequest(body)
	if err != nil {
		return err
	}
	e, err := g.ensure(ctx, id)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return protocol.HandleFetch(ctx, e.repo, req, w)
}

// Push applies a receive-pack request body locally, writes the status
// report, and queues best-effort propagation of every applied non-delete
// command. Propagation failures never alter the response already sent.
func (g *Gateway) Push(ctx context.Context, id RepositoryID, body []byte, w io.Writer) error {
	req, err := protocol.ParsePushRequest(body)
	if err != nil {
		return err
	}
	e, err := g.ensure(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	result, err := protocol.HandlePush(ctx, e.repo, req, w)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	for _, cmd := range result.Applied {
		if cmd.IsDelete() {
			continue
		}
		g.schedule(id, e, cmd)
	}
	return nil
}

// Create initializes an empty local repository and, best-effort, its
// ledger record. It is idempotent.
func (g *Gateway) Create(ctx context.Context, id RepositoryID) error {
	if _, err := g.ensure(ctx, id); err != nil {
		return err
	}
	if _, err := g.ledger.CreateRepository(ctx, id.Owner, id.Name); err != nil {
		g.log.Warn().Err(err).Stringer("repo", id).Msg("ledger record creation failed")
	}
	return nil
}

// List enumerates the repositories present in the local cache.
func (g *Gateway) List() ([]RepositoryID, error) {
	owners, err := os.ReadDir(g.root)
	if err != nil {
		return nil, fmt.Errorf("list cache root: %w", err)
	}
	var ids []RepositoryID
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(g.root, owner.Name()))
		if err != nil {
			continue
		}
		for _, repo := range repos {
			name, ok := cutGitSuffix(repo.Name())
			if !ok || !repo.IsDir() {
				continue
			}
			ids = append(ids, RepositoryID{Owner: owner.Name(), Name: name})
		}
	}
	return ids, nil
}

func cutGitSuffix(dir string) (string, bool) {
	if len(dir) <= 4 || dir[len(dir)-4:] != ".git" {
		return "", false
	}
	return dir[:len(dir)-4], true
}

func (g *Gateway) dir(id RepositoryID) string {
	return filepath.Join(g.root, id.Owner, id.Name+".git")
}

// ensure returns the Ready cache entry for id, hydrating or initializing
// it when absent. Concurrent calls for the same id serialize on the entry
// lock, so hydration happens exactly once.
func (g *Gateway) ensure(ctx context.Context, id RepositoryID) (*entry, error) {
	g.mu.Lock()
	e, ok := g.entries[id]
	if !ok {
		e = &entry{}
		g.entries[id] = e
	}
	g.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateReady {
		return e, nil
	}

	dir := g.dir(id)
	if gitrepo.Exists(dir) {
		repo, err := gitrepo.Open(dir)
		if err != nil {
			return nil, err
		}
		e.repo, e.state = repo, stateReady
		return e, nil
	}

	e.state = stateHydrating
	repo, err := g.hydrate(ctx, id, dir)
	if err != nil {
		e.state = stateAbsent
		return nil, err
	}
	e.repo, e.state = repo, stateReady
	return e, nil
}

// hydrate reconstructs the local repository from ledger+blob store. Any
// remote failure degrades to a fresh empty repository: fetching a
// repository nobody has pushed yet must answer, not fail.
func (g *Gateway) hydrate(ctx context.Context, id RepositoryID, dir string) (*gitrepo.Repo, error) {
	bundle, ok := g.coldBundle(ctx, id)
	if ok {
		repo, err := gitrepo.MaterializeFromBundle(ctx, dir, bundle)
		if err == nil {
			g.log.Info().Stringer("repo", id).Msg("hydrated from blob store")
			return repo, nil
		}
		g.log.Error().Err(err).Stringer("repo", id).Msg("bundle materialization failed, serving empty repository")
		os.RemoveAll(dir)
	}
	return gitrepo.Init(ctx, dir, g.opts.defaultBranch)
}

// coldBundle looks up the ledger record and downloads the snapshot bundle
// for the best branch: the default branch when it has a locator, otherwise
// the first branch that does.
func (g *Gateway) coldBundle(ctx context.Context, id RepositoryID) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.remoteTimeout)
	defer cancel()

	var rec ledger.Record
	err := g.withRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = g.ledger.GetRepository(ctx, id.Owner, id.Name)
		return err
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			g.log.Warn().Err(err).Stringer("repo", id).Msg("ledger lookup failed, serving empty repository")
		}
		return nil, false
	}

	locator := ""
	if b, ok := rec.Branch(g.opts.defaultBranch); ok && b.BlobLocator != "" {
		locator = b.BlobLocator
	} else {
		for _, b := range rec.Branches {
			if b.BlobLocator != "" {
				locator = b.BlobLocator
				break
			}
		}
	}
	if locator == "" {
		return nil, false
	}

	var raw []byte
	err = g.withRetry(ctx, func(ctx context.Context) error {
		var err error
		raw, err = g.blobs.Download(ctx, locator)
		return err
	})
	if err != nil {
		g.log.Warn().Err(err).Stringer("repo", id).Str("locator", locator).Msg("bundle download failed, serving empty repository")
		return nil, false
	}

	bundle, err := g.comp.Decompress(raw)
	if err != nil {
		g.log.Error().Err(err).Stringer("repo", id).Str("locator", locator).Msg("bundle decompression failed")
		return nil, false
	}
	return bundle, true
}

// withRetry runs fn, retrying exactly once unless the failure is permanent.
func (g *Gateway) withRetry(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || isPermanent(err) || ctx.Err() != nil {
		return err
	}
	return fn(ctx)
}

func isPermanent(err error) bool {
	return ledger.IsPermanent(err) || blobstore.IsPermanent(err)
}
