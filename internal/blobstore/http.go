package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBlobSize bounds what Download will buffer in memory.
const maxBlobSize = 1 << 30

// HTTPStore talks to a gateway-style blob service:
//
//	POST {base}/upload   (raw bytes)  -> {"id": "<locator>"}
//	GET  {base}/{locator}             -> raw bytes
//
// This is the shape of hosted permaweb gateways; a 402 response maps to
// ErrInsufficientFunds so the caller can stop retrying the attempt.
type HTTPStore struct {
	base   string
	client *http.Client
}

func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) Upload(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/upload", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return "", ErrInsufficientFunds
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("upload blob: status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("upload response carries no locator")
	}
	return out.ID, nil
}

func (s *HTTPStore) Download(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/"+locator, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download blob %s: %w", locator, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("download blob %s: status %d", locator, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
	if err != nil {
		return nil, fmt.Errorf("download blob %s: %w", locator, err)
	}
	return data, nil
}
