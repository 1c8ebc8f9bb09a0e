// Package gitrepo adapts a bare on-disk git repository for use as the
// gateway's local object cache. All operations shell out to the git binary,
// which owns the object database and gives ref updates and pack application
// transactional semantics.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ZeroID is the 40-zero commit id used by the wire protocol to mark an
// absent ref (create on the old side, delete on the new side).
const ZeroID = "0000000000000000000000000000000000000000"

var ErrNotARepository = errors.New("gitrepo: not a git repository")

// Ref is a named pointer to a commit id.
type Ref struct {
	Name     string
	CommitID string
}

// Repo is a handle to one bare repository directory.
type Repo struct {
	dir string
}

// Exists reports whether dir already holds a repository.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "HEAD"))
	return err == nil
}

// Open returns a handle to an existing repository at dir.
func Open(dir string) (*Repo, error) {
	if !Exists(dir) {
		return nil, fmt.Errorf("%w: %s", ErrNotARepository, dir)
	}
	return &Repo{dir: dir}, nil
}

// Init creates a fresh bare repository at dir with HEAD pointing at
// defaultBranch.
func Init(ctx context.Context, dir, defaultBranch string) (*Repo, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	r := &Repo{dir: dir}
	if _, err := r.git(ctx, nil, "init", "--bare", "--quiet", dir); err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	if defaultBranch != "" {
		if _, err := r.git(ctx, nil, "symbolic-ref", "HEAD", "refs/heads/"+defaultBranch); err != nil {
			return nil, fmt.Errorf("set default branch: %w", err)
		}
	}
	return r, nil
}

// MaterializeFromBundle reconstructs a repository at dir from a transfer
// bundle, e.g. one downloaded from the blob store during hydration.
func MaterializeFromBundle(ctx context.Context, dir string, bundle []byte) (*Repo, error) {
	tmp, err := os.CreateTemp("", "gitvault-bundle-*.bundle")
	if err != nil {
		return nil, fmt.Errorf("stage bundle: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(bundle); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("stage bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("stage bundle: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	r := &Repo{dir: dir}
	if _, err := r.git(ctx, nil, "clone", "--mirror", "--quiet", tmp.Name(), dir); err != nil {
		return nil, fmt.Errorf("materialize bundle: %w", err)
	}
	return r, nil
}

// Dir returns the repository directory.
func (r *Repo) Dir() string { return r.dir }

// ListRefs enumerates all refs with their commit ids.
func (r *Repo) ListRefs(ctx context.Context) ([]Ref, error) {
	out, err := r.git(ctx, nil, "for-each-ref", "--format=%(objectname) %(refname)")
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	var refs []Ref
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		id, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		refs = append(refs, Ref{Name: name, CommitID: id})
	}
	return refs, nil
}

// Head returns the ref name HEAD points at, e.g. "refs/heads/main".
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.git(ctx, nil, "symbolic-ref", "--quiet", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ApplyPack stores every object of a packfile. Nothing is written for an
// empty payload, which is what delete-only pushes send.
func (r *Repo) ApplyPack(ctx context.Context, pack []byte) error {
	if len(pack) == 0 {
		return nil
	}
	if _, err := r.git(ctx, pack, "unpack-objects", "-q"); err != nil {
		return fmt.Errorf("apply pack: %w", err)
	}
	return nil
}

// UpdateRef points name at newID, checking the previous value when
// expectedOldID is given. git performs the compare-and-swap, so a stale
// expected id fails without touching the ref; the zero id means the ref
// must not exist yet, so a create never overwrites.
func (r *Repo) UpdateRef(ctx context.Context, name, newID, expectedOldID string) error {
	args := []string{"update-ref", name, newID}
	if expectedOldID != "" {
		args = append(args, expectedOldID)
	}
	if _, err := r.git(ctx, nil, args...); err != nil {
		return fmt.Errorf("update ref %s: %w", name, err)
	}
	return nil
}

// DeleteRef removes name.
func (r *Repo) DeleteRef(ctx context.Context, name string) error {
	if _, err := r.git(ctx, nil, "update-ref", "-d", name); err != nil {
		return fmt.Errorf("delete ref %s: %w", name, err)
	}
	return nil
}

// SnapshotToBundle serializes the whole repository into a transfer bundle
// covering every ref.
func (r *Repo) SnapshotToBundle(ctx context.Context) ([]byte, error) {
	tmp, err := os.CreateTemp("", "gitvault-snapshot-*.bundle")
	if err != nil {
		return nil, fmt.Errorf("stage snapshot: %w", err)
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	if _, err := r.git(ctx, nil, "bundle", "create", path, "--all"); err != nil {
		return nil, fmt.Errorf("snapshot repository: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// PackObjects builds a packfile containing the closure of the wanted
// commits, for streaming back to a fetch client.
func (r *Repo) PackObjects(ctx context.Context, wants []string) ([]byte, error) {
	stdin := []byte(strings.Join(wants, "\n") + "\n")
	out, err := r.git(ctx, stdin, "pack-objects", "--revs", "--stdout", "--quiet")
	if err != nil {
		return nil, fmt.Errorf("pack objects: %w", err)
	}
	return out, nil
}

// git runs one git command against the repository, feeding stdin when
// non-nil and folding stderr into the returned error.
func (r *Repo) git(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	if args[0] == "init" || args[0] == "clone" {
		// The target directory does not exist yet.
		cmd.Dir = ""
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}
