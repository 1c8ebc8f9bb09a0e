package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to a remote ledger service over JSON. The expected
// surface mirrors the upstream metadata API:
//
//	GET  /repos/{owner}/{name}                    -> Record
//	POST /repos                                   -> Record
//	PUT  /repos/{owner}/{name}/branches/{branch}  -> ack
//
// 4xx responses are permanent failures; 5xx and transport errors are
// transient and left to the caller's retry policy.
type HTTPClient struct {
	base   string
	client *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetRepository(ctx context.Context, owner, name string) (Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodGet, c.repoPath(owner, name), nil, &rec)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (c *HTTPClient) CreateRepository(ctx context.Context, owner, name string) (Record, error) {
	body := map[string]string{"owner": owner, "name": name}
	var rec Record
	if err := c.do(ctx, http.MethodPost, "/repos", body, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (c *HTTPClient) UpdateBranch(ctx context.Context, owner, name, branch, commitID, blobLocator string) error {
	body := map[string]string{"commitId": commitID, "blobLocator": blobLocator}
	path := c.repoPath(owner, name) + "/branches/" + url.PathEscape(branch)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

func (c *HTTPClient) repoPath(owner, name string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Permanent(fmt.Errorf("encode request: %w", err))
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("ledger %s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return Permanent(fmt.Errorf("ledger %s %s: status %d", method, path, resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
