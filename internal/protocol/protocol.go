// Package protocol defines the JSON messages exchanged over the WebSocket.
//
// Every server message carries a numeric Type tag; requests are tagged by
// Method. Field names are capitalized on the wire.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orenleto/WS.Experiments/internal/watcher"
)

// MethodSubscribeChanges subscribes the session to changes below a directory.
const MethodSubscribeChanges = "SubscribeChanges-String"

// ErrDirectoryNotExist is the validation message for a missing directory.
const ErrDirectoryNotExist = "Directory is not exist"

var (
	// ErrUnknownMethod is returned for requests with an unrecognized Method.
	ErrUnknownMethod = errors.New("unimplemented method")
	// ErrMalformed is returned for payloads that are not a valid request.
	ErrMalformed = errors.New("malformed request")
)

// Type tags a server message.
type Type int

const (
	TypeException Type = -1
	TypeSuccess   Type = 1
	TypeMessage   Type = 2
	TypeError     Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeException:
		return "exception"
	case TypeSuccess:
		return "success"
	case TypeMessage:
		return "message"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Request is a client request.
type Request struct {
	Method    string `json:"Method"`
	Directory string `json:"Directory"`
}

// Subscribe builds a subscription request for dir.
func Subscribe(dir string) Request {
	return Request{Method: MethodSubscribeChanges, Directory: dir}
}

// Success confirms a request.
type Success struct {
	Method  string  `json:"Method"`
	Type    Type    `json:"Type"`
	Request Request `json:"Request"`
}

// Message carries one filesystem change.
type Message struct {
	Method      string             `json:"Method"`
	Type        Type               `json:"Type"`
	ChangeType  watcher.ChangeKind `json:"ChangeType"`
	FullPath    string             `json:"FullPath"`
	Name        string             `json:"Name"`
	OldName     string             `json:"OldName"`
	OldFullPath string             `json:"OldFullPath,omitempty"`
}

// Error reports a request that failed validation or could not be served.
type Error struct {
	Method  string   `json:"Method"`
	Type    Type     `json:"Type"`
	Request Request  `json:"Request"`
	Errors  []string `json:"Errors"`
}

// Exception reports a request the server could not interpret or a fault
// while handling it. Payload echoes the offending message.
type Exception struct {
	Type    Type   `json:"Type"`
	Method  string `json:"Method,omitempty"`
	Message string `json:"Message"`
	Payload string `json:"Payload,omitempty"`
}

// NewSuccess confirms req.
func NewSuccess(req Request) Success {
	return Success{Method: req.Method, Type: TypeSuccess, Request: req}
}

// NewMessage converts a watcher event for method.
func NewMessage(method string, event watcher.Event) Message {
	return Message{
		Method:      method,
		Type:        TypeMessage,
		ChangeType:  event.Kind,
		FullPath:    event.FullPath,
		Name:        event.Name,
		OldName:     event.OldName,
		OldFullPath: event.OldFullPath,
	}
}

// NewError reports errs for req.
func NewError(req Request, errs ...string) Error {
	return Error{Method: req.Method, Type: TypeError, Request: req, Errors: errs}
}

// NewException reports err for the raw payload. method may be empty.
func NewException(method string, err error, payload []byte) Exception {
	return Exception{
		Type:    TypeException,
		Method:  method,
		Message: err.Error(),
		Payload: string(payload),
	}
}

// DecodeRequest parses a client request. The returned Request carries the
// Method even when the error is ErrUnknownMethod.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch req.Method {
	case MethodSubscribeChanges:
		if strings.TrimSpace(req.Directory) == "" {
			return req, fmt.Errorf("%w: Directory is required", ErrMalformed)
		}
		return req, nil
	case "":
		return req, fmt.Errorf("%w: Method is required", ErrMalformed)
	default:
		return req, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
	}
}

// Envelope is the union of every server message, used by clients to decode
// a frame before dispatching on Type.
type Envelope struct {
	Type        Type               `json:"Type"`
	Method      string             `json:"Method,omitempty"`
	Request     *Request           `json:"Request,omitempty"`
	Errors      []string           `json:"Errors,omitempty"`
	Message     string             `json:"Message,omitempty"`
	Payload     string             `json:"Payload,omitempty"`
	ChangeType  watcher.ChangeKind `json:"ChangeType,omitempty"`
	FullPath    string             `json:"FullPath,omitempty"`
	Name        string             `json:"Name,omitempty"`
	OldName     string             `json:"OldName,omitempty"`
	OldFullPath string             `json:"OldFullPath,omitempty"`
}

// DecodeEnvelope parses a server message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeException, TypeSuccess, TypeMessage, TypeError:
		return env, nil
	default:
		return env, fmt.Errorf("%w: unknown type %d", ErrMalformed, int(env.Type))
	}
}

// Event returns the change carried by a Message envelope.
func (e Envelope) Event() watcher.Event {
	return watcher.Event{
		Kind:        e.ChangeType,
		FullPath:    e.FullPath,
		Name:        e.Name,
		OldFullPath: e.OldFullPath,
		OldName:     e.OldName,
	}
}

// Err converts an Error or Exception envelope into an error.
func (e Envelope) Err() error {
	switch e.Type {
	case TypeError:
		return fmt.Errorf("%s failed: %s", e.Method, strings.Join(e.Errors, "; "))
	case TypeException:
		if e.Method != "" {
			return fmt.Errorf("%s: server exception: %s", e.Method, e.Message)
		}
		return fmt.Errorf("server exception: %s", e.Message)
	default:
		return nil
	}
}

// Encode marshals a message for the wire.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}
