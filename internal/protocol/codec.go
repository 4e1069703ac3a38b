package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Mnehmos/rooswarm/internal/errors"
)

// Encode serializes a message as a single newline-terminated JSON line.
func Encode(msg Message) ([]byte, error) {
	if !ValidMessageType(msg.Type) {
		return nil, errors.NewChannelError(
			fmt.Sprintf("unknown message type %q", msg.Type), errors.ErrInvalidInput)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}
	return append(data, '\n'), nil
}

// Decode parses a single JSON line (with or without its trailing newline)
// into a Message. The message type must be a member of the closed set.
func Decode(line []byte) (Message, error) {
	var msg Message
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return msg, errors.NewChannelError("empty message line", errors.ErrInvalidInput)
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return msg, fmt.Errorf("decoding message line: %w", err)
	}
	if !ValidMessageType(msg.Type) {
		return msg, errors.NewChannelError(
			fmt.Sprintf("unknown message type %q", msg.Type), errors.ErrInvalidInput)
	}
	return msg, nil
}

// SplitLines is the bufio.SplitFunc-compatible framing used by channel
// endpoints: it yields one complete line per token and buffers partial
// reads until the next newline arrives.
func SplitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	// Request more data.
	return 0, nil, nil
}
