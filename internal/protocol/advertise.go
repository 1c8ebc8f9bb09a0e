package protocol

import (
	"context"
	"io"
	"sort"

	"github.com/gitvault/gitvault/internal/gitrepo"
	"github.com/gitvault/gitvault/internal/pktline"
)

// AdvertiseRefs writes the service announcement and the repository's ref
// advertisement to w. For upload-pack a resolved HEAD is advertised as a
// ref literally named HEAD, carrying the capability suffix and the symref
// that names its target; clients derive the default checkout branch from
// it. A repository with no refs advertises a single synthetic line for the
// default branch at the zero id so clients can detect an empty repository.
func AdvertiseRefs(ctx context.Context, repo Repository, service Service, defaultBranch string, w io.Writer) error {
	refs, err := repo.ListRefs(ctx)
	if err != nil {
		return err
	}

	pktw := pktline.NewWriter(w)
	if err := pktw.Writef("# service=%s\n", service); err != nil {
		return err
	}
	if err := pktw.Flush(); err != nil {
		return err
	}

	head, headID := resolveHead(ctx, repo, refs, defaultBranch)
	caps := advertisedCaps(service, head)

	if len(refs) == 0 {
		if err := pktw.Writef("%s refs/heads/%s\x00%s\n", gitrepo.ZeroID, defaultBranch, caps); err != nil {
			return err
		}
		return pktw.Flush()
	}

	capsSent := false
	if service == UploadPack && headID != "" {
		if err := pktw.Writef("%s HEAD\x00%s\n", headID, caps); err != nil {
			return err
		}
		capsSent = true
	}

	for _, ref := range sortRefs(refs) {
		if !capsSent {
			err = pktw.Writef("%s %s\x00%s\n", ref.CommitID, ref.Name, caps)
			capsSent = true
		} else {
			err = pktw.Writef("%s %s\n", ref.CommitID, ref.Name)
		}
		if err != nil {
			return err
		}
	}
	return pktw.Flush()
}

// resolveHead picks the ref HEAD should point at and its commit id:
// the repository's own HEAD if it resolves to an advertised ref, else
// the default branch if present, else the lexicographically first ref.
func resolveHead(ctx context.Context, repo Repository, refs []gitrepo.Ref, defaultBranch string) (string, string) {
	byName := make(map[string]string, len(refs))
	for _, r := range refs {
		byName[r.Name] = r.CommitID
	}

	if head, err := repo.Head(ctx); err == nil {
		if id, ok := byName[head]; ok {
			return head, id
		}
	}
	if id, ok := byName["refs/heads/"+defaultBranch]; ok {
		return "refs/heads/" + defaultBranch, id
	}

	var first string
	for _, r := range refs {
		if first == "" || r.Name < first {
			first = r.Name
		}
	}
	return first, byName[first]
}

func sortRefs(refs []gitrepo.Ref) []gitrepo.Ref {
	ordered := append([]gitrepo.Ref(nil), refs...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Name < ordered[j].Name
	})
	return ordered
}
