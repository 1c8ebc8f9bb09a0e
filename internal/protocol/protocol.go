// Package protocol terminates the git smart-transport wire protocol:
// ref advertisement, upload-pack (fetch) and receive-pack (push) over
// pkt-line framing. Handlers are pure request/response transforms; all
// repository access goes through the Repository interface.
package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/gitvault/gitvault/internal/gitrepo"
)

// Service names a smart-transport service.
type Service string

const (
	UploadPack  Service = "git-upload-pack"
	ReceivePack Service = "git-receive-pack"
)

// ParseService validates a service query parameter.
func ParseService(s string) (Service, error) {
	switch Service(s) {
	case UploadPack, ReceivePack:
		return Service(s), nil
	default:
		return "", &Error{Reason: fmt.Sprintf("unsupported service %q", s)}
	}
}

// Repository is the slice of the local object store the protocol needs.
type Repository interface {
	ListRefs(ctx context.Context) ([]gitrepo.Ref, error)
	Head(ctx context.Context) (string, error)
	ApplyPack(ctx context.Context, pack []byte) error
	UpdateRef(ctx context.Context, name, newID, expectedOldID string) error
	DeleteRef(ctx context.Context, name string) error
	PackObjects(ctx context.Context, wants []string) ([]byte, error)
}

// Error is a protocol-level failure: malformed framing, a bad command
// section or an unsupported service. The transport layer maps it to a 400.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "protocol: " + e.Reason }

func errorf(format string, a ...any) error {
	return &Error{Reason: fmt.Sprintf(format, a...)}
}

// A CapSet is a set of protocol capabilities.
type CapSet map[string]bool

// ParseCaps parses a whitespace-separated capability list.
func ParseCaps(s string) CapSet {
	caps := make(CapSet)
	for _, c := range strings.Fields(s) {
		caps[c] = true
	}
	return caps
}

func (c CapSet) String() string {
	list := make([]string, 0, len(c))
	for cap, ok := range c {
		if ok {
			list = append(list, cap)
		}
	}
	return strings.Join(list, " ")
}

const agent = "agent=gitvault/1.0"

// advertisedCaps returns the capability suffix for the first advertised ref
// line. symref carries the resolved HEAD target when one exists.
func advertisedCaps(service Service, headTarget string) string {
	var caps []string
	switch service {
	case ReceivePack:
		caps = []string{"report-status", "delete-refs", "ofs-delta"}
	case UploadPack:
		caps = []string{"side-band-64k", "no-progress", "ofs-delta"}
	}
	if headTarget != "" {
		caps = append(caps, "symref=HEAD:"+headTarget)
	}
	return strings.Join(append(caps, agent), " ")
}

// isHex40 reports whether s is a 40-character lowercase-hex object id.
func isHex40(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// validRefName rejects ref names git itself would refuse, plus anything
// that could escape the ref namespace.
func validRefName(name string) bool {
	if name == "" || name == "@" {
		return false
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") ||
		strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") ||
		strings.Contains(name, "@{") {
		return false
	}
	for _, r := range name {
		if r <= 0x20 || r == 0x7f || strings.ContainsRune("~^:?*[\\", r) {
			return false
		}
	}
	return true
}
