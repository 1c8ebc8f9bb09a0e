package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Memory is an in-process content-addressed Store for standalone
// deployments and tests. Locators are the hex sha256 of the blob.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Upload(ctx context.Context, data []byte) (string, error) {
	h := sha256.Sum256(data)
	locator := hex.EncodeToString(h[:])
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[locator]; !ok {
		m.blobs[locator] = append([]byte(nil), data...)
	}
	return locator, nil
}

func (m *Memory) Download(ctx context.Context, locator string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[locator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return append([]byte(nil), data...), nil
}

// Len reports the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
