package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
)

// Client is used from inside an action process to talk to the runner.
// Every call also applies the change to the action's own process so the
// action observes it immediately.
type Client struct {
	enc    *Encoder
	closer io.Closer
}

// NewClient creates a client writing frames to w.
func NewClient(w io.Writer) *Client {
	return &Client{enc: NewEncoder(w)}
}

// Open connects to the channel announced by the runner through EnvFD. When
// the variable is absent (the action runs outside a runner) frames are
// discarded.
func Open() (*Client, error) {
	raw, ok := os.LookupEnv(EnvFD)
	if !ok || raw == "" {
		return NewClient(io.Discard), nil
	}
	fd, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", EnvFD, raw, err)
	}
	f := os.NewFile(uintptr(fd), "ipc")
	if f == nil {
		return nil, fmt.Errorf("file descriptor %d is not open", fd)
	}
	c := NewClient(f)
	c.closer = f
	return c, nil
}

// Close releases the channel. The runner sees end of stream once every
// holder of the descriptor has closed it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) AddToPath(path string) error {
	if err := os.Setenv("PATH", path+string(os.PathListSeparator)+os.Getenv("PATH")); err != nil {
		return err
	}
	return c.enc.Encode(&AddToPathMessage{Path: path})
}

func (c *Client) AddEnv(key, value string) error {
	if err := os.Setenv(key, value); err != nil {
		return err
	}
	return c.enc.Encode(&AddEnvMessage{Env: key, Value: value})
}

func (c *Client) SetOutput(key string, value any) error {
	return c.enc.Encode(&SetOutputMessage{Key: key, Value: value})
}

// EncodeInvocation builds the argument handed to an action process: the JSON
// array [step, snapshot].
func EncodeInvocation(step, snapshot any) (string, error) {
	data, err := json.Marshal([]any{step, snapshot})
	if err != nil {
		return "", fmt.Errorf("failed to marshal invocation: %w", err)
	}
	return string(data), nil
}

// ReadInvocation decodes the invocation from args[1] into step and snapshot,
// which must be non-nil pointers. Both targets are assigned only when the
// whole payload decodes; otherwise it reports false and leaves them
// untouched.
func ReadInvocation(args []string, step, snapshot any) bool {
	if len(args) < 2 {
		return false
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(args[1]), &parts); err != nil || len(parts) != 2 {
		return false
	}
	decodedStep, ok := decodeFresh(parts[0], step)
	if !ok {
		return false
	}
	decodedSnapshot, ok := decodeFresh(parts[1], snapshot)
	if !ok {
		return false
	}
	reflect.ValueOf(step).Elem().Set(decodedStep)
	reflect.ValueOf(snapshot).Elem().Set(decodedSnapshot)
	return true
}

// decodeFresh decodes raw into a new value of the type target points to.
func decodeFresh(raw json.RawMessage, target any) (reflect.Value, bool) {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, false
	}
	fresh := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(raw, fresh.Interface()); err != nil {
		return reflect.Value{}, false
	}
	return fresh.Elem(), true
}
