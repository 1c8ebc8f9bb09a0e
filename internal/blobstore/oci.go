package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// Authenticator provides credentials for a registry. When nil or when it
// returns no username, the system keychain is used, as with Docker.
type Authenticator interface {
	Authenticate(registry string) (username, password string, err error)
}

// OCIStore keeps snapshot bundles in an OCI registry. Each upload pushes a
// single-layer image to the configured tag; the locator is the
// digest-pinned reference of that layer, so older bundles stay addressable
// after the tag moves on (until the registry garbage-collects them).
type OCIStore struct {
	ref  name.Reference
	auth Authenticator
}

// NewOCIStore creates a store from a standard image ref
// (e.g. "registry.example.com/vault/bundles:latest").
func NewOCIStore(imageRef string, auth Authenticator) (*OCIStore, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	return &OCIStore{ref: ref, auth: auth}, nil
}

func (s *OCIStore) String() string   { return s.ref.String() }
func (s *OCIStore) Registry() string { return s.ref.Context().RegistryStr() }

// bundleLayer implements v1.Layer over raw bundle bytes. Bundles arrive
// already zstd-framed by the caller, so the layer is stored as-is under an
// uncompressed media type.
type bundleLayer struct {
	data []byte
}

func (l *bundleLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.data))
	return h, err
}

func (l *bundleLayer) DiffID() (v1.Hash, error) {
	return l.Digest()
}

func (l *bundleLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.data)), nil
}

func (l *bundleLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.data)), nil
}

func (l *bundleLayer) Size() (int64, error)                { return int64(len(l.data)), nil }
func (l *bundleLayer) MediaType() (types.MediaType, error) { return types.OCIUncompressedLayer, nil }

func (s *OCIStore) Upload(ctx context.Context, data []byte) (string, error) {
	layer := &bundleLayer{data: data}

	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}

	if _, err := retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(s.ref, img, s.remoteOptions(ctx)...)
	}); err != nil {
		return "", fmt.Errorf("push bundle: %w", err)
	}

	digest, err := layer.Digest()
	if err != nil {
		return "", err
	}
	return s.ref.Context().Name() + "@" + digest.String(), nil
}

func (s *OCIStore) Download(ctx context.Context, locator string) ([]byte, error) {
	digest, err := name.NewDigest(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: bad locator %q: %v", ErrNotFound, locator, err)
	}

	layer, err := retry(ctx, 3, func() (v1.Layer, error) {
		return remote.Layer(digest, s.remoteOptions(ctx)...)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch bundle %s: %w", locator, err)
	}

	rc, err := layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", locator, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxBlobSize))
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", locator, err)
	}
	return data, nil
}

func (s *OCIStore) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if s.auth != nil {
		username, password, err := s.auth.Authenticate(s.Registry())
		if err == nil && username != "" {
			return append(opts, remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			}))
		}
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
