// Package channel frames protocol messages over a byte stream: one JSON
// object per line, each line at most MaxMessageSize bytes.
package channel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"sync"
	"time"

	"github.com/taskmgr818/phpscan/internal/model"
)

const (
	// MaxMessageSize is the ceiling for one encoded message, newline excluded.
	MaxMessageSize = 4 << 20 // 4 MiB

	// ReadChunkSize is the initial read buffer of a decoder.
	ReadChunkSize = 512
)

var (
	ErrMessageTooLarge  = errors.New("message exceeds maximum size")
	ErrMalformedMessage = errors.New("malformed message")
)

// Encode returns the framed form of m, newline included.
func Encode(m model.Message) ([]byte, error) {
	data, err := model.MarshalMessage(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %s message is %d bytes (limit %d)",
			ErrMessageTooLarge, m.Action(), len(data), MaxMessageSize)
	}
	return append(data, '\n'), nil
}

// ─────────────────────────────────────────────
// Encoder
// ─────────────────────────────────────────────

// Encoder writes framed messages. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send writes m as a single line.
func (e *Encoder) Send(m model.Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", m.Action(), err)
	}
	return nil
}

// ─────────────────────────────────────────────
// Decoder
// ─────────────────────────────────────────────

// Decoder reads framed messages from one stream. It is not restartable:
// after the stream ends or a terminal error is reported, Next only returns io.EOF.
type Decoder struct {
	sc   *bufio.Scanner
	done bool
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, ReadChunkSize), MaxMessageSize+1)
	return &Decoder{sc: sc}
}

// Next returns the next message. It returns io.EOF when the stream closes
// cleanly. Any other error is terminal and is reported exactly once.
func (d *Decoder) Next() (model.Message, error) {
	if d.done {
		return nil, io.EOF
	}

	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := model.UnmarshalMessage(line)
		if err != nil {
			d.done = true
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return msg, nil
	}

	d.done = true
	err := d.sc.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, fmt.Errorf("%w (limit %d bytes)", ErrMessageTooLarge, MaxMessageSize)
	default:
		return nil, fmt.Errorf("read: %w", err)
	}
}

// Messages yields messages until the stream ends. A terminal error is
// yielded once, with a nil message, and ends the sequence.
func (d *Decoder) Messages() iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		for {
			msg, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(msg, err) || err != nil {
				return
			}
		}
	}
}

// ─────────────────────────────────────────────
// Conn
// ─────────────────────────────────────────────

// Conn pairs an encoder and a decoder over one network connection.
type Conn struct {
	*Encoder
	*Decoder
	raw net.Conn
}

func NewConn(raw net.Conn) *Conn {
	return &Conn{
		Encoder: NewEncoder(raw),
		Decoder: NewDecoder(raw),
		raw:     raw,
	}
}

// SetReadDeadline bounds the wait for the next inbound message.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// CloseWrite shuts down the outbound side, falling back to a full close
// when the transport has no half-close.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.raw.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.raw.Close()
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
