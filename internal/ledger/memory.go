package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Ledger for standalone deployments and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func key(owner, name string) string {
	return owner + "/" + name
}

func (m *Memory) GetRepository(ctx context.Context, owner, name string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key(owner, name)]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, owner, name)
	}
	return rec, nil
}

func (m *Memory) CreateRepository(ctx context.Context, owner, name string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key(owner, name)]; ok {
		return rec, nil
	}
	rec := Record{Owner: owner, Name: name}
	m.records[key(owner, name)] = rec
	return rec, nil
}

func (m *Memory) UpdateBranch(ctx context.Context, owner, name, branch, commitID, blobLocator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key(owner, name)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, owner, name)
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
	m.records[key(owner, name)] = rec
	return nil
}
