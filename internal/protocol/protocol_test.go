package protocol_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitvault/gitvault/internal/gitrepo"
	"github.com/gitvault/gitvault/internal/pktline"
	"github.com/gitvault/gitvault/internal/protocol"
)

// fakeRepo implements protocol.Repository in memory.
type fakeRepo struct {
	refs     map[string]string
	head     string
	packs    [][]byte
	packErr  error
	packData []byte
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{refs: map[string]string{}, packData: []byte("PACKDATA")}
}

func (f *fakeRepo) ListRefs(ctx context.Context) ([]gitrepo.Ref, error) {
	var refs []gitrepo.Ref
	for name, id := range f.refs {
		refs = append(refs, gitrepo.Ref{Name: name, CommitID: id})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (f *fakeRepo) Head(ctx context.Context) (string, error) {
	if f.head == "" {
		return "", errors.New("no HEAD")
	}
	return f.head, nil
}

func (f *fakeRepo) ApplyPack(ctx context.Context, pack []byte) error {
	if f.packErr != nil {
		return f.packErr
	}
	f.packs = append(f.packs, pack)
	return nil
}

func (f *fakeRepo) UpdateRef(ctx context.Context, name, newID, expectedOldID string) error {
	cur, exists := f.refs[name]
	switch {
	case expectedOldID == gitrepo.ZeroID && exists:
		return errors.New("ref already exists")
	case expectedOldID != "" && expectedOldID != gitrepo.ZeroID && (!exists || cur != expectedOldID):
		return errors.New("stale old id")
	}
	f.refs[name] = newID
	return nil
}

func (f *fakeRepo) DeleteRef(ctx context.Context, name string) error {
	delete(f.refs, name)
	return nil
}

func (f *fakeRepo) PackObjects(ctx context.Context, wants []string) ([]byte, error) {
	return f.packData, nil
}

func oid(c byte) string { return strings.Repeat(string(c), 40) }

func advertisedLines(t *testing.T, buf []byte) []string {
	t.Helper()
	// First section: service announcement.
	frames, rest, err := pktline.Section(buf)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	frames, _, err = pktline.Section(rest)
	require.NoError(t, err)
	var lines []string
	for _, f := range frames {
		lines = append(lines, string(f))
	}
	return lines
}

func TestAdvertiseRefs(t *testing.T) {
	ctx := context.Background()

	t.Run("announces the service first", func(t *testing.T) {
		repo := newFakeRepo()
		var buf bytes.Buffer
		require.NoError(t, protocol.AdvertiseRefs(ctx, repo, protocol.UploadPack, "main", &buf))
		require.True(t, strings.HasPrefix(buf.String(), "001e# service=git-upload-pack\n0000"))
	})

	t.Run("zero refs yields one synthetic line with capabilities", func(t *testing.T) {
		repo := newFakeRepo()
		var buf bytes.Buffer
		require.NoError(t, protocol.AdvertiseRefs(ctx, repo, protocol.ReceivePack, "main", &buf))

		lines := advertisedLines(t, buf.Bytes())
		require.Len(t, lines, 1)
		require.True(t, strings.HasPrefix(lines[0], oid('0')+" refs/heads/main\x00"))
		require.Contains(t, lines[0], "report-status")
		require.Contains(t, lines[0], "delete-refs")
	})

	t.Run("capabilities attach only to the first line", func(t *testing.T) {
		repo := newFakeRepo()
		repo.refs["refs/heads/a"] = oid('a')
		repo.refs["refs/heads/b"] = oid('b')
		repo.refs["refs/heads/c"] = oid('c')

		var buf bytes.Buffer
		require.NoError(t, protocol.AdvertiseRefs(ctx, repo, protocol.ReceivePack, "main", &buf))

		lines := advertisedLines(t, buf.Bytes())
		require.Len(t, lines, 3)
		require.Contains(t, lines[0], "\x00")
		for _, line := range lines[1:] {
			require.NotContains(t, line, "\x00")
		}
	})

	t.Run("upload-pack advertises HEAD first with a symref capability", func(t *testing.T) {
		repo := newFakeRepo()
		repo.refs["refs/heads/aaa"] = oid('a')
		repo.refs["refs/heads/zzz"] = oid('b')
		repo.head = "refs/heads/zzz"

		var buf bytes.Buffer
		require.NoError(t, protocol.AdvertiseRefs(ctx, repo, protocol.UploadPack, "main", &buf))

		lines := advertisedLines(t, buf.Bytes())
		require.Len(t, lines, 3)
		// Clients attach the symref to a ref literally named HEAD; it must
		// be advertised alongside its target or checkout has no branch.
		require.True(t, strings.HasPrefix(lines[0], oid('b')+" HEAD\x00"))
		require.Contains(t, lines[0], "symref=HEAD:refs/heads/zzz")
		require.Equal(t, oid('b')+" refs/heads/zzz\n", lines[2])
	})

	t.Run("receive-pack advertises no HEAD ref", func(t *testing.T) {
		repo := newFakeRepo()
		repo.refs["refs/heads/main"] = oid('a')
		repo.head = "refs/heads/main"

		var buf bytes.Buffer
		require.NoError(t, protocol.AdvertiseRefs(ctx, repo, protocol.ReceivePack, "main", &buf))
		lines := advertisedLines(t, buf.Bytes())
		require.Len(t, lines, 1)
		require.True(t, strings.HasPrefix(lines[0], oid('a')+" refs/heads/main\x00"))
	})

	t.Run("HEAD falls back to the default branch, then the first ref", func(t *testing.T) {
		repo := newFakeRepo()
		repo.refs["refs/heads/dev"] = oid('a')
		repo.refs["refs/heads/main"] = oid('b')

		var buf bytes.Buffer
		require.NoError(t, protocol.AdvertiseRefs(ctx, repo, protocol.UploadPack, "main", &buf))
		lines := advertisedLines(t, buf.Bytes())
		require.True(t, strings.HasPrefix(lines[0], oid('b')+" HEAD\x00"))
		require.Contains(t, lines[0], "symref=HEAD:refs/heads/main")

		delete(repo.refs, "refs/heads/main")
		buf.Reset()
		require.NoError(t, protocol.AdvertiseRefs(ctx, repo, protocol.UploadPack, "main", &buf))
		lines = advertisedLines(t, buf.Bytes())
		require.True(t, strings.HasPrefix(lines[0], oid('a')+" HEAD\x00"))
		require.Contains(t, lines[0], "symref=HEAD:refs/heads/dev")
	})
}

func pushBody(t *testing.T, pack string, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	for _, l := range lines {
		_, err := w.WriteString(l)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	buf.WriteString(pack)
	return buf.Bytes()
}

func TestParsePushRequest(t *testing.T) {
	t.Run("commands plus pack payload", func(t *testing.T) {
		body := pushBody(t, "PACKxxxx",
			fmt.Sprintf("%s %s refs/heads/main\x00report-status\n", oid('0'), oid('a')),
			fmt.Sprintf("%s %s refs/heads/dev\n", oid('b'), oid('0')),
		)
		req, err := protocol.ParsePushRequest(body)
		require.NoError(t, err)
		require.Len(t, req.Commands, 2)
		require.True(t, req.Commands[0].IsCreate())
		require.True(t, req.Commands[1].IsDelete())
		require.True(t, req.Caps["report-status"])
		require.Equal(t, "PACKxxxx", string(req.Pack))
	})

	t.Run("fails closed on malformed commands", func(t *testing.T) {
		malformed := []string{
			"not a command\n",
			fmt.Sprintf("%s %s refs/heads/main\n", oid('a')[:39], oid('b')),       // short id
			fmt.Sprintf("%s %s refs/heads/main\n", strings.Repeat("g", 40), oid('b')), // non-hex
			fmt.Sprintf("%s %s\n", oid('a'), oid('b')),                            // missing ref
			fmt.Sprintf("%s %s refs/heads/../escape\n", oid('a'), oid('b')),       // bad ref
			fmt.Sprintf("%s %s refs/heads/main\n", oid('0'), oid('0')),            // zero to zero
		}
		for _, line := range malformed {
			_, err := protocol.ParsePushRequest(pushBody(t, "", line))
			var perr *protocol.Error
			require.ErrorAs(t, err, &perr, "line %q must fail closed", line)
		}
	})

	t.Run("empty command section is an error", func(t *testing.T) {
		_, err := protocol.ParsePushRequest(pushBody(t, "PACK"))
		var perr *protocol.Error
		require.ErrorAs(t, err, &perr)
	})
}

func TestHandlePush(t *testing.T) {
	ctx := context.Background()

	t.Run("applies pack before refs and reports ok", func(t *testing.T) {
		repo := newFakeRepo()
		req := protocol.PushRequest{
			Commands: []protocol.Command{{RefName: "refs/heads/main", OldID: oid('0'), NewID: oid('a')}},
			Pack:     []byte("PACKDATA"),
		}

		var buf bytes.Buffer
		result, err := protocol.HandlePush(ctx, repo, req, &buf)
		require.NoError(t, err)
		require.True(t, result.Unpacked)
		require.Len(t, result.Applied, 1)
		require.Equal(t, oid('a'), repo.refs["refs/heads/main"])
		require.Contains(t, buf.String(), "unpack ok\n")
		require.Contains(t, buf.String(), "ok refs/heads/main\n")
		require.True(t, strings.HasSuffix(buf.String(), "0000"))
	})

	t.Run("failed pack application leaves refs untouched", func(t *testing.T) {
		repo := newFakeRepo()
		repo.refs["refs/heads/main"] = oid('a')
		repo.packErr = errors.New("corrupt pack")
		req := protocol.PushRequest{
			Commands: []protocol.Command{{RefName: "refs/heads/main", OldID: oid('a'), NewID: oid('b')}},
			Pack:     []byte("garbage"),
		}

		var buf bytes.Buffer
		result, err := protocol.HandlePush(ctx, repo, req, &buf)
		require.NoError(t, err)
		require.False(t, result.Unpacked)
		require.Empty(t, result.Applied)
		require.Equal(t, oid('a'), repo.refs["refs/heads/main"])
		require.Contains(t, buf.String(), "unpack corrupt pack\n")
		require.Contains(t, buf.String(), "ng refs/heads/main")
	})

	t.Run("delete-only push skips pack application", func(t *testing.T) {
		repo := newFakeRepo()
		repo.refs["refs/heads/dev"] = oid('a')
		req := protocol.PushRequest{
			Commands: []protocol.Command{{RefName: "refs/heads/dev", OldID: oid('a'), NewID: oid('0')}},
		}

		var buf bytes.Buffer
		result, err := protocol.HandlePush(ctx, repo, req, &buf)
		require.NoError(t, err)
		require.Empty(t, repo.packs)
		require.Len(t, result.Applied, 1)
		require.NotContains(t, repo.refs, "refs/heads/dev")
		require.Contains(t, buf.String(), "unpack ok\n")
	})

	t.Run("create over an existing ref is rejected", func(t *testing.T) {
		repo := newFakeRepo()
		repo.refs["refs/heads/main"] = oid('a')
		req := protocol.PushRequest{
			Commands: []protocol.Command{{RefName: "refs/heads/main", OldID: oid('0'), NewID: oid('b')}},
			Pack:     []byte("PACKDATA"),
		}

		var buf bytes.Buffer
		result, err := protocol.HandlePush(ctx, repo, req, &buf)
		require.NoError(t, err)
		require.Empty(t, result.Applied)
		require.Equal(t, oid('a'), repo.refs["refs/heads/main"], "main must be untouched")
		require.Contains(t, buf.String(), "ng refs/heads/main")
	})

	t.Run("per-ref failure is an ng line, not an error", func(t *testing.T) {
		repo := newFakeRepo()
		repo.refs["refs/heads/main"] = oid('c')
		req := protocol.PushRequest{
			Commands: []protocol.Command{
				{RefName: "refs/heads/main", OldID: oid('a'), NewID: oid('b')}, // stale old id
				{RefName: "refs/heads/dev", OldID: oid('0'), NewID: oid('b')},
			},
			Pack: []byte("PACKDATA"),
		}

		var buf bytes.Buffer
		result, err := protocol.HandlePush(ctx, repo, req, &buf)
		require.NoError(t, err)
		require.Len(t, result.Applied, 1)
		require.Equal(t, "refs/heads/dev", result.Applied[0].RefName)
		require.Contains(t, buf.String(), "ng refs/heads/main")
		require.Contains(t, buf.String(), "ok refs/heads/dev\n")
	})
}

func TestFetch(t *testing.T) {
	ctx := context.Background()

	fetchBody := func(t *testing.T, lines ...string) []byte {
		var buf bytes.Buffer
		w := pktline.NewWriter(&buf)
		for _, l := range lines {
			_, err := w.WriteString(l)
			require.NoError(t, err)
		}
		require.NoError(t, w.Flush())
		dw := pktline.NewWriter(&buf)
		_, err := dw.WriteString("done\n")
		require.NoError(t, err)
		return buf.Bytes()
	}

	t.Run("parses wants, caps and done", func(t *testing.T) {
		body := fetchBody(t,
			fmt.Sprintf("want %s side-band-64k no-progress\n", oid('a')),
			fmt.Sprintf("want %s\n", oid('b')),
		)
		req, err := protocol.ParseFetchRequest(body)
		require.NoError(t, err)
		require.Equal(t, []string{oid('a'), oid('b')}, req.Wants)
		require.True(t, req.Caps["side-band-64k"])
		require.True(t, req.Done)
	})

	t.Run("rejects a body with no wants", func(t *testing.T) {
		_, err := protocol.ParseFetchRequest(fetchBody(t))
		var perr *protocol.Error
		require.ErrorAs(t, err, &perr)
	})

	t.Run("serves the pack on the data band after NAK", func(t *testing.T) {
		repo := newFakeRepo()
		repo.packData = bytes.Repeat([]byte("p"), 100000) // forces chunking

		req := protocol.FetchRequest{
			Wants: []string{oid('a')},
			Caps:  protocol.CapSet{"side-band-64k": true, "no-progress": true},
			Done:  true,
		}
		var buf bytes.Buffer
		require.NoError(t, protocol.HandleFetch(ctx, repo, req, &buf))

		out := buf.Bytes()
		require.True(t, bytes.HasPrefix(out, []byte("0008NAK\n")))

		var pack []byte
		for frame, err := range pktline.Frames(out[8:]) {
			require.NoError(t, err)
			require.Equal(t, byte(1), frame[0])
			pack = append(pack, frame[1:]...)
		}
		require.Equal(t, repo.packData, pack)
	})

	t.Run("mid-negotiation request gets a bare NAK", func(t *testing.T) {
		repo := newFakeRepo()
		req := protocol.FetchRequest{
			Wants: []string{oid('a')},
			Haves: []string{oid('b')},
		}
		var buf bytes.Buffer
		require.NoError(t, protocol.HandleFetch(ctx, repo, req, &buf))
		require.Equal(t, "0008NAK\n", buf.String())
	})

	t.Run("without side-band the pack follows NAK raw", func(t *testing.T) {
		repo := newFakeRepo()
		req := protocol.FetchRequest{Wants: []string{oid('a')}, Done: true}
		var buf bytes.Buffer
		require.NoError(t, protocol.HandleFetch(ctx, repo, req, &buf))
		require.Equal(t, "0008NAK\n"+string(repo.packData), buf.String())
	})
}

func TestParseService(t *testing.T) {
	_, err := protocol.ParseService("git-evil-pack")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)

	svc, err := protocol.ParseService("git-upload-pack")
	require.NoError(t, err)
	require.Equal(t, protocol.UploadPack, svc)
}
