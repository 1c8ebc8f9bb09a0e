package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

const recordKeyPrefix = "gitvault:repo:"

// RedisConfig defines connection settings for a Redis-backed ledger.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	Database int
}

// Redis stores one JSON record per repository under
// "gitvault:repo:<owner>/<name>". It serves self-hosted deployments that
// want a durable ledger without an external metadata service.
type Redis struct {
	client *redis.Client
}

func NewRedis(cfg RedisConfig) *Redis {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})}
}

func (r *Redis) Close() error { return r.client.Close() }

func recordKey(owner, name string) string {
	return recordKeyPrefix + owner + "/" + name
}

func (r *Redis) GetRepository(ctx context.Context, owner, name string) (Record, error) {
	raw, err := r.client.Get(ctx, recordKey(owner, name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, owner, name)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, Permanent(fmt.Errorf("decode record %s/%s: %w", owner, name, err))
	}
	return rec, nil
}

func (r *Redis) CreateRepository(ctx context.Context, owner, name string) (Record, error) {
	rec := Record{Owner: owner, Name: name}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, Permanent(fmt.Errorf("encode record: %w", err))
	}
	created, err := r.client.SetNX(ctx, recordKey(owner, name), raw, 0).Result()
	if err != nil {
		return Record{}, fmt.Errorf("create record: %w", err)
	}
	if !created {
		// Creation is idempotent: hand back the existing record.
		return r.GetRepository(ctx, owner, name)
	}
	return rec, nil
}

func (r *Redis) UpdateBranch(ctx context.Context, owner, name, branch, commitID, blobLocator string) error {
	key := recordKey(owner, name)
	// Optimistic transaction: last writer wins per branch, but the
	// read-modify-write of the record itself must not interleave.
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, owner, name)
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Permanent(fmt.Errorf("decode record %s/%s: %w", owner, name, err))
		}

		updated := false
		for i := range rec.Branches {
			if rec.Branches[i].Name == branch {
				rec.Branches[i].CommitID = commitID
				rec.Branches[i].BlobLocator = blobLocator
				updated = true
			}
		}
		if !updated {
			rec.Branches = append(rec.Branches, Branch{Name: branch, CommitID: commitID, BlobLocator: blobLocator})
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return Permanent(fmt.Errorf("encode record: %w", err))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}
	if err := r.client.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, ErrNotFound) || IsPermanent(err) {
			return err
		}
		return fmt.Errorf("update branch %s on %s/%s: %w", branch, owner, name, err)
	}
	return nil
}
