package protocol

import (
	"context"
	"io"
	"strings"

	"github.com/gitvault/gitvault/internal/gitrepo"
	"github.com/gitvault/gitvault/internal/pktline"
)

// Command is one requested ref transition from a push.
type Command struct {
	RefName string
	OldID   string
	NewID   string
}

func (c Command) IsCreate() bool { return c.OldID == gitrepo.ZeroID }
func (c Command) IsDelete() bool { return c.NewID == gitrepo.ZeroID }

// PushRequest is a parsed receive-pack body.
type PushRequest struct {
	Commands []Command
	Caps     CapSet
	Pack     []byte
}

// PushResult reports the outcome of the local apply, for the caller to act
// on after the status report has been written.
type PushResult struct {
	Unpacked bool
	Applied  []Command
}

// ParsePushRequest splits a receive-pack body into its command section and
// the trailing pack payload. The tokenizer fails closed: any line that is
// not exactly "<old-id> <new-id> <ref>" (with an optional capability list
// after a NUL on the first line) is a protocol error, never a synthesized
// command.
func ParsePushRequest(body []byte) (PushRequest, error) {
	frames, pack, err := pktline.Section(body)
	if err != nil {
		return PushRequest{}, errorf("bad command section: %v", err)
	}

	req := PushRequest{Pack: pack}
	for i, frame := range frames {
		line := strings.TrimSuffix(string(frame), "\n")
		if i == 0 {
			if line, req.Caps, err = splitCaps(line); err != nil {
				return PushRequest{}, err
			}
		}
		cmd, err := parseCommand(line)
		if err != nil {
			return PushRequest{}, err
		}
		req.Commands = append(req.Commands, cmd)
	}
	if len(req.Commands) == 0 {
		return PushRequest{}, errorf("push carries no commands")
	}
	return req, nil
}

func splitCaps(line string) (string, CapSet, error) {
	cmd, caps, ok := strings.Cut(line, "\x00")
	if !ok {
		return line, nil, nil
	}
	return cmd, ParseCaps(caps), nil
}

func parseCommand(line string) (Command, error) {
	fields := strings.Split(line, " ")
	if len(fields) != 3 {
		return Command{}, errorf("malformed command line %q", line)
	}
	cmd := Command{OldID: fields[0], NewID: fields[1], RefName: fields[2]}
	if !isHex40(cmd.OldID) || !isHex40(cmd.NewID) {
		return Command{}, errorf("malformed object id in command %q", line)
	}
	if cmd.OldID == gitrepo.ZeroID && cmd.NewID == gitrepo.ZeroID {
		return Command{}, errorf("command %q neither creates, updates nor deletes", line)
	}
	if !validRefName(cmd.RefName) {
		return Command{}, errorf("invalid ref name %q", cmd.RefName)
	}
	return cmd, nil
}

// HandlePush applies a parsed push to the repository and writes the
// pkt-line status report. The pack payload lands before any ref moves;
// when it fails every command is reported "ng" and the store is left
// untouched. Per-ref failures use the protocol's native error channel
// rather than failing the request.
func HandlePush(ctx context.Context, repo Repository, req PushRequest, w io.Writer) (PushResult, error) {
	pktw := pktline.NewWriter(w)
	var result PushResult

	deleteOnly := true
	for _, cmd := range req.Commands {
		if !cmd.IsDelete() {
			deleteOnly = false
		}
	}

	var unpackErr error
	if !deleteOnly {
		unpackErr = repo.ApplyPack(ctx, req.Pack)
	}
	if unpackErr != nil {
		// "unpack ok" is expected even when no packfile was sent.
		if err := pktw.Writef("unpack %s\n", unpackReason(unpackErr)); err != nil {
			return result, err
		}
		for _, cmd := range req.Commands {
			if err := pktw.Writef("ng %s unpacker error\n", cmd.RefName); err != nil {
				return result, err
			}
		}
		return result, pktw.Flush()
	}
	result.Unpacked = true

	if err := pktw.Writef("unpack ok\n"); err != nil {
		return result, err
	}

	for _, cmd := range req.Commands {
		var err error
		if cmd.IsDelete() {
			err = repo.DeleteRef(ctx, cmd.RefName)
		} else {
			err = repo.UpdateRef(ctx, cmd.RefName, cmd.NewID, cmd.OldID)
		}
		if err != nil {
			if werr := pktw.Writef("ng %s %s\n", cmd.RefName, unpackReason(err)); werr != nil {
				return result, werr
			}
			continue
		}
		result.Applied = append(result.Applied, cmd)
		if werr := pktw.Writef("ok %s\n", cmd.RefName); werr != nil {
			return result, werr
		}
	}
	return result, pktw.Flush()
}

// unpackReason flattens an error into a single status-line-safe token run.
func unpackReason(err error) string {
	reason := strings.ReplaceAll(err.Error(), "\n", " ")
	if len(reason) > 200 {
		reason = reason[:200]
	}
	return reason
}
