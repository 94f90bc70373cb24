package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame's JSON body. A worker announcing a
// larger frame is treated as speaking a different protocol.
const MaxFrameSize = 16 << 20

// headerSize is the length prefix: a 4-byte big-endian body length.
const headerSize = 4

// Error wraps any framing or decoding failure. The engine treats it as
// fatal to the connection, not as a per-message error.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is a protocol-level failure.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// Writer frames and writes messages to w. It is safe for concurrent use;
// each message is written as one contiguous frame.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer framing onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage encodes msg as a length-prefixed JSON frame.
func (fw *Writer) WriteMessage(msg *Message) error {
	if !Known(msg.Kind) {
		return &Error{Reason: fmt.Sprintf("refusing to send unknown kind %q", msg.Kind)}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return &Error{Reason: "encoding message", Err: err}
	}
	if len(body) > MaxFrameSize {
		return &Error{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", len(body))}
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := fw.w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// Reader reassembles length-prefixed frames from r and decodes them.
// Partial transport reads are buffered until a complete frame is available;
// the source may deliver bytes one at a time.
type Reader struct {
	r    io.Reader
	body []byte // reused frame buffer
}

// NewReader returns a Reader decoding frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadMessage blocks until one complete frame has been reassembled, then
// decodes it. io.EOF is passed through untouched so the caller can tell a
// closed connection from a malformed one; every other failure is a
// protocol *Error.
func (fr *Reader) ReadMessage() (*Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &Error{Reason: "reading frame header", Err: err}
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, &Error{Reason: "zero-length frame"}
	}
	if size > MaxFrameSize {
		return nil, &Error{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", size)}
	}

	if cap(fr.body) < int(size) {
		fr.body = make([]byte, size)
	}
	body := fr.body[:size]
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, &Error{Reason: "reading frame body", Err: err}
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &Error{Reason: "decoding frame", Err: err}
	}
	if !Known(msg.Kind) {
		return nil, &Error{Reason: fmt.Sprintf("unknown message kind %q", msg.Kind)}
	}
	return &msg, nil
}
