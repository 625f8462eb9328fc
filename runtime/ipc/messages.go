// Package ipc implements the protocol an action process uses to mutate the
// runner's execution context while it runs.
//
// The protocol is newline-delimited JSON. Each frame is a single object
// {"type": ..., "content": ...} on one line. Three message types exist:
// addToPath, addEnv and setOutput.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// EnvFD names the environment variable carrying the file descriptor an
// action process writes its frames to.
const EnvFD = "PIPELINE_IPC_FD"

// MessageType identifies the IPC message kind.
type MessageType string

const (
	MsgAddToPath MessageType = "addToPath"
	MsgAddEnv    MessageType = "addEnv"
	MsgSetOutput MessageType = "setOutput"
)

// Valid returns true if this is a recognized message type.
func (t MessageType) Valid() bool {
	switch t {
	case MsgAddToPath, MsgAddEnv, MsgSetOutput:
		return true
	}
	return false
}

// Message is implemented by the three protocol messages only.
type Message interface {
	// MessageType returns the type identifier for this message.
	MessageType() MessageType
	content() any
}

// AddToPathMessage prepends a directory to PATH.
type AddToPathMessage struct {
	Path string
}

// AddEnvMessage sets one environment variable.
type AddEnvMessage struct {
	Env   string `mapstructure:"env" json:"env"`
	Value string `mapstructure:"value" json:"value"`
}

// SetOutputMessage registers one step output.
type SetOutputMessage struct {
	Key   string `mapstructure:"key" json:"key"`
	Value any    `mapstructure:"value" json:"value"`
}

func (m *AddToPathMessage) MessageType() MessageType { return MsgAddToPath }
func (m *AddEnvMessage) MessageType() MessageType    { return MsgAddEnv }
func (m *SetOutputMessage) MessageType() MessageType { return MsgSetOutput }

func (m *AddToPathMessage) content() any { return m.Path }
func (m *AddEnvMessage) content() any    { return m }
func (m *SetOutputMessage) content() any { return m }

// frame is the wire envelope.
type frame struct {
	Type    MessageType `json:"type"`
	Content any         `json:"content"`
}

// Marshal serializes a message to a single JSON line without the trailing newline.
func Marshal(msg Message) ([]byte, error) {
	return json.Marshal(frame{Type: msg.MessageType(), Content: msg.content()})
}

// ParseMessage parses one frame and returns the typed message.
// Returns an error if the message type is unknown or the content is malformed.
func ParseMessage(data []byte) (Message, error) {
	var raw frame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch raw.Type {
	case MsgAddToPath:
		path, ok := raw.Content.(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("addToPath content must be a non-empty string, got %T", raw.Content)
		}
		return &AddToPathMessage{Path: path}, nil
	case MsgAddEnv:
		msg := &AddEnvMessage{}
		if err := decodeContent(raw.Content, msg); err != nil {
			return nil, fmt.Errorf("failed to parse %s message: %w", raw.Type, err)
		}
		if msg.Env == "" {
			return nil, fmt.Errorf("addEnv message has no env name")
		}
		return msg, nil
	case MsgSetOutput:
		msg := &SetOutputMessage{}
		if err := decodeContent(raw.Content, msg); err != nil {
			return nil, fmt.Errorf("failed to parse %s message: %w", raw.Type, err)
		}
		if msg.Key == "" {
			return nil, fmt.Errorf("setOutput message has no key")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown message type: %q", raw.Type)
	}
}

// decodeContent maps a frame's content object onto a typed message. Input is
// weakly typed so {"value": 5} still fills a string field.
func decodeContent(content any, target any) error {
	m, ok := content.(map[string]any)
	if !ok {
		return fmt.Errorf("content must be an object, got %T", content)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(m)
}

// Target receives applied messages. The runner's execution context implements it.
type Target interface {
	AddToPath(path string)
	AddEnv(key, value string)
	SetOutput(key string, value any)
}

// Apply performs the mutation a message requests on t.
func Apply(msg Message, t Target) {
	switch m := msg.(type) {
	case *AddToPathMessage:
		t.AddToPath(m.Path)
	case *AddEnvMessage:
		t.AddEnv(m.Env, m.Value)
	case *SetOutputMessage:
		t.SetOutput(m.Key, m.Value)
	}
}
