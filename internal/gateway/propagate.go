package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/gitvault/gitvault/internal/ledger"
	"github.com/gitvault/gitvault/internal/protocol"
)

// schedule queues propagation of one applied ref update: snapshot the
// repository, upload the bundle, make sure the ledger record exists, then
// point the branch at the new commit. The task owns its own context; a
// dropped client connection does not cancel it.
func (g *Gateway) schedule(id RepositoryID, e *entry, cmd protocol.Command) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*g.opts.remoteTimeout)
		defer cancel()
		if err := g.propagate(ctx, id, e, cmd); err != nil {
			g.log.Error().Err(err).
				Stringer("repo", id).
				Str("ref", cmd.RefName).
				Str("commit", cmd.NewID).
				Msg("propagation failed, ledger state is stale until the next push")
		}
	}
	if g.opts.syncPropagation {
		run()
		return
	}
	g.tasks.Go(run)
}

// propagate is one best-effort mirror pass. Each step is independently
// fallible; the first failure aborts the pass and the error is logged by
// the caller. The local push result is long since durable and never rolls
// back.
func (g *Gateway) propagate(ctx context.Context, id RepositoryID, e *entry, cmd protocol.Command) error {
	e.mu.RLock()
	bundle, err := e.repo.SnapshotToBundle(ctx)
	e.mu.RUnlock()
	if err != nil {
		return err
	}

	var locator string
	err = g.withRetry(ctx, func(ctx context.Context) error {
		var err error
		locator, err = g.blobs.Upload(ctx, g.comp.Compress(bundle))
		return err
	})
	if err != nil {
		return err
	}

	if err := g.ensureRecord(ctx, id); err != nil {
		return err
	}

	branch := branchName(cmd.RefName)
	return g.withRetry(ctx, func(ctx context.Context) error {
		return g.ledger.UpdateBranch(ctx, id.Owner, id.Name, branch, cmd.NewID, locator)
	})
}

func (g *Gateway) ensureRecord(ctx context.Context, id RepositoryID) error {
	err := g.withRetry(ctx, func(ctx context.Context) error {
		_, err := g.ledger.GetRepository(ctx, id.Owner, id.Name)
		return err
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	return g.withRetry(ctx, func(ctx context.Context) error {
		_, err := g.ledger.CreateRepository(ctx, id.Owner, id.Name)
		return err
	})
}

// branchName strips the refs/heads/ prefix; the ledger keys branches by
// their short name.
func branchName(refName string) string {
	if short, ok := strings.CutPrefix(refName, "refs/heads/"); ok {
		return short
	}
	return refName
}
