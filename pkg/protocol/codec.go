package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformed marks a bad line; the stream itself is still usable and
	// callers should drop the line and keep decoding.
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrBadPayload  = errors.New("payload does not match message type")
)

// MaxLineBytes bounds a single wire line. Rosters dominate message size and
// six fully-specified units stay well under 4KB; anything bigger is garbage.
const MaxLineBytes = 64 * 1024

// Encoder writes newline-delimited messages to w.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Encode(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads newline-delimited messages from r. A malformed line yields
// an error for that line only; callers may keep decoding (ProtocolError is
// drop-and-continue per the error taxonomy).
type Decoder struct {
	s *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	return &Decoder{s: s}
}

// Decode returns the next message. io.EOF means the stream ended cleanly;
// any other error from the underlying reader is terminal.
func (d *Decoder) Decode() (Message, error) {
	for d.s.Scan() {
		line := d.s.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return Message{}, fmt.Errorf("%w: %s", ErrMalformed, err)
		}
		if err := Validate(m); err != nil {
			return Message{}, fmt.Errorf("%w: %s", ErrMalformed, err)
		}
		return m, nil
	}
	if err := d.s.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Validate checks the type discriminator and that the matching payload is
// present. Forwarding paths call this before trusting a message.
func Validate(m Message) error {
	switch m.Type {
	case TypeRegister:
		if m.Register == nil || m.Register.ID == "" {
			return fmt.Errorf("%w: register", ErrBadPayload)
		}
	case TypeSessionStart:
		if m.SessionStart == nil {
			return fmt.Errorf("%w: session_start", ErrBadPayload)
		}
	case TypeSessionEnd:
		if m.SessionEnd == nil {
			return fmt.Errorf("%w: session_end", ErrBadPayload)
		}
	case TypeRosterSync:
		if m.RosterSync == nil {
			return fmt.Errorf("%w: roster_sync", ErrBadPayload)
		}
	case TypeInputEvent:
		if m.InputEvent == nil {
			return fmt.Errorf("%w: input_event", ErrBadPayload)
		}
	case TypeRegisterUpdate:
		if m.RegisterUpdate == nil {
			return fmt.Errorf("%w: register_update", ErrBadPayload)
		}
	case TypeHeartbeat:
		// no payload
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}
