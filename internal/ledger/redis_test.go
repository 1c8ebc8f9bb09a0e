package ledger_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/gitvault/internal/ledger"
)

func newRedisLedger(t *testing.T) *ledger.Redis {
	t.Helper()
	srv := miniredis.RunT(t)
	l := ledger.NewRedis(ledger.RedisConfig{Addr: srv.Addr()})
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips a record", func(t *testing.T) {
		l := newRedisLedger(t)

		_, err := l.CreateRepository(ctx, "alice", "widgets")
		require.NoError(t, err)
		require.NoError(t, l.UpdateBranch(ctx, "alice", "widgets", "main", "abc123", "tx-1"))

		rec, err := l.GetRepository(ctx, "alice", "widgets")
		require.NoError(t, err)
		require.Equal(t, "alice", rec.Owner)
		require.Equal(t, "widgets", rec.Name)

		branch, ok := rec.Branch("main")
		require.True(t, ok)
		require.Equal(t, "abc123", branch.CommitID)
		require.Equal(t, "tx-1", branch.BlobLocator)
	})

	t.Run("missing repository is not found", func(t *testing.T) {
		l := newRedisLedger(t)
		_, err := l.GetRepository(ctx, "nobody", "nothing")
		require.ErrorIs(t, err, ledger.ErrNotFound)
		require.True(t, ledger.IsPermanent(err))
	})

	t.Run("update on a missing record is not found", func(t *testing.T) {
		l := newRedisLedger(t)
		err := l.UpdateBranch(ctx, "nobody", "nothing", "main", "abc", "tx")
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("create is idempotent", func(t *testing.T) {
		l := newRedisLedger(t)
		_, err := l.CreateRepository(ctx, "alice", "widgets")
		require.NoError(t, err)
		require.NoError(t, l.UpdateBranch(ctx, "alice", "widgets", "main", "abc", "tx"))

		rec, err := l.CreateRepository(ctx, "alice", "widgets")
		require.NoError(t, err)
		_, ok := rec.Branch("main")
		require.True(t, ok, "second create must not wipe branches")
	})

	t.Run("branch update is last-writer-wins", func(t *testing.T) {
		l := newRedisLedger(t)
		_, err := l.CreateRepository(ctx, "alice", "widgets")
		require.NoError(t, err)
		require.NoError(t, l.UpdateBranch(ctx, "alice", "widgets", "main", "old", "tx-old"))
		require.NoError(t, l.UpdateBranch(ctx, "alice", "widgets", "main", "new", "tx-new"))

		rec, err := l.GetRepository(ctx, "alice", "widgets")
		require.NoError(t, err)
		require.Len(t, rec.Branches, 1)
		require.Equal(t, "new", rec.Branches[0].CommitID)
	})
}
