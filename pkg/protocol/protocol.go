// Package protocol implements message framing for the game socket.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

// MaxMessageSize is the largest accepted frame payload (64KB).
const MaxMessageSize = 65536

// ErrMessageTooLarge is returned for frames above MaxMessageSize.
var ErrMessageTooLarge = errors.New("protocol: message too large")

// Encode returns the JSON form of msg, stamping the protocol version when
// unset. msg itself is not modified, so one message may be shared by several
// writers.
func Encode(msg *pb.Message) ([]byte, error) {
	if msg.V == 0 {
		stamped := *msg
		stamped.V = pb.Version
		msg = &stamped
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	return data, nil
}

// Decode parses and validates one JSON message.
func Decode(data []byte) (*pb.Message, error) {
	msg := &pb.Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// WriteMessage writes a length-prefixed JSON message to a writer.
// Format: [4-byte big-endian length][JSON payload]
func WriteMessage(w io.Writer, msg *pb.Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data))) //nolint:gosec // length already bounds-checked in Encode
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from a reader.
// A clean EOF before the length prefix is returned as io.EOF.
func ReadMessage(r io.Reader) (*pb.Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return Decode(data)
}
