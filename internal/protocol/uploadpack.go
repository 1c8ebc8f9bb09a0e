package protocol

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gitvault/gitvault/internal/pktline"
)

// FetchRequest is a parsed upload-pack body.
type FetchRequest struct {
	Wants []string
	Haves []string
	Caps  CapSet
	Done  bool
}

// ParseFetchRequest reads the want section and any trailing have/done
// lines from an upload-pack body.
func ParseFetchRequest(body []byte) (FetchRequest, error) {
	frames, rest, err := pktline.Section(body)
	if err != nil {
		// A wants-only body may legally omit the flush-pkt.
		for frame, ferr := range pktline.Frames(body) {
			if ferr != nil {
				return FetchRequest{}, errorf("bad fetch body: %v", ferr)
			}
			frames = append(frames, frame)
		}
		rest = nil
	}

	var req FetchRequest
	for i, frame := range frames {
		line := strings.TrimSuffix(string(frame), "\n")
		id, ok := strings.CutPrefix(line, "want ")
		if !ok {
			return FetchRequest{}, errorf("expected want line, got %q", line)
		}
		if i == 0 {
			if fields := strings.SplitN(id, " ", 2); len(fields) == 2 {
				id = fields[0]
				req.Caps = ParseCaps(fields[1])
			}
		}
		if !isHex40(id) {
			return FetchRequest{}, errorf("malformed want id %q", id)
		}
		req.Wants = append(req.Wants, id)
	}
	if len(req.Wants) == 0 {
		return FetchRequest{}, errorf("fetch requests no objects")
	}

	for frame, err := range pktline.Frames(rest) {
		if err != nil {
			return FetchRequest{}, errorf("bad negotiation section: %v", err)
		}
		line := strings.TrimSuffix(string(frame), "\n")
		switch {
		case line == "done":
			req.Done = true
		case strings.HasPrefix(line, "have "):
			id := strings.TrimPrefix(line, "have ")
			if !isHex40(id) {
				return FetchRequest{}, errorf("malformed have id %q", id)
			}
			req.Haves = append(req.Haves, id)
		default:
			return FetchRequest{}, errorf("unexpected negotiation line %q", line)
		}
	}
	return req, nil
}

// HandleFetch serves a parsed fetch from the hydrated local cache: it
// always answers NAK (the pack carries the full closure of the wants, so
// no common-base negotiation is needed) and streams the pack back, using
// side-band multiplexing when the client asked for it.
func HandleFetch(ctx context.Context, repo Repository, req FetchRequest, w io.Writer) error {
	pack, err := repo.PackObjects(ctx, req.Wants)
	if err != nil {
		return fmt.Errorf("build pack: %w", err)
	}

	pktw := pktline.NewWriter(w)
	if err := pktw.Writef("NAK\n"); err != nil {
		return err
	}

	// Mid-negotiation requests get a bare NAK; the pack only goes out once
	// the client stops negotiating.
	if !req.Done {
		return nil
	}

	if !req.Caps["side-band-64k"] {
		_, err := w.Write(pack)
		return err
	}

	if !req.Caps["no-progress"] {
		progress := fmt.Sprintf("Packing %d requested tips\n", len(req.Wants))
		if err := writeBand(pktw, bandProgress, []byte(progress)); err != nil {
			return err
		}
	}
	if err := writeBand(pktw, bandData, pack); err != nil {
		return err
	}
	return pktw.Flush()
}
