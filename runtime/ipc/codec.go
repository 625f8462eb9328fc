package ipc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame, including its newline.
const MaxFrameSize = 1 << 20

// Decoder reads frames from an underlying byte stream.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next message, or io.EOF once the stream is exhausted.
// Blank lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return ParseMessage(line)
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ipc stream: %w", err)
	}
	return nil, io.EOF
}

// Encoder writes frames to an underlying byte stream. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Sink consumes messages as they are produced. In-process actions write to
// a Sink directly; external actions reach one through a Decoder.
type Sink interface {
	Send(msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg Message) error

func (f SinkFunc) Send(msg Message) error {
	return f(msg)
}

// Pump decodes every frame from r and hands it to sink, stopping at EOF or
// at the first error.
func Pump(r io.Reader, sink Sink) error {
	dec := NewDecoder(r)
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sink.Send(msg); err != nil {
			return err
		}
	}
}
