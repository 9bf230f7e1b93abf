package broker

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Protocol errors.
var (
	ErrMalformedMessage = errors.New("broker: malformed message")
	ErrUnknownMessage   = errors.New("broker: unknown message type")
)

// MessageType tags a wire message.
type MessageType string

const (
	TypeRequest MessageType = "request"
	TypeCheck   MessageType = "check"
	TypeSuccess MessageType = "success"
	TypeFailure MessageType = "failure"
)

// Message is one IPC message.
type Message interface {
	MessageID() uint64
	envelope() envelope
}

// envelope is the wire shape shared by every message.
type envelope struct {
	Type       MessageType     `json:"type"`
	ID         uint64          `json:"id"`
	PluginPath string          `json:"pluginPath,omitempty"`
	Signature  *SignatureClaim `json:"signature,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// SignatureClaim is what the host read from the archive's signature file.
// The broker verifies the archive itself; the claim only feeds the prompt.
type SignatureClaim struct {
	Authority string `json:"authority"`
	Public    string `json:"public"`
}

// Request asks for elevated trust.
type Request struct {
	ID         uint64
	PluginPath string
	Signature  *SignatureClaim
	Reason     string
}

func (m Request) MessageID() uint64 { return m.ID }

func (m Request) envelope() envelope {
	return envelope{Type: TypeRequest, ID: m.ID, PluginPath: m.PluginPath, Signature: m.Signature, Reason: m.Reason}
}

// Check asks whether elevated trust was granted before. It never prompts.
type Check struct {
	ID         uint64
	PluginPath string
}

func (m Check) MessageID() uint64 { return m.ID }

func (m Check) envelope() envelope {
	return envelope{Type: TypeCheck, ID: m.ID, PluginPath: m.PluginPath}
}

// Response answers a Request or Check: success when Granted.
type Response struct {
	ID      uint64
	Granted bool

	// lost marks a failure synthesized by the client, not sent by the broker.
	lost bool
}

func (m Response) MessageID() uint64 { return m.ID }

func (m Response) envelope() envelope {
	if m.Granted {
		return envelope{Type: TypeSuccess, ID: m.ID}
	}
	return envelope{Type: TypeFailure, ID: m.ID}
}

// Decode parses a wire message, dispatching on its type tag.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedMessage
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, ErrMalformedMessage
	}
	id, ok := decodeID(doc)
	if !ok {
		return nil, fmt.Errorf("%w: missing or invalid id", ErrMalformedMessage)
	}

	switch t := MessageType(doc.Get("type").String()); t {
	case TypeRequest:
		path := doc.Get("pluginPath")
		if path.Type != gjson.String || path.String() == "" {
			return nil, fmt.Errorf("%w: request without pluginPath", ErrMalformedMessage)
		}
		req := Request{ID: id, PluginPath: path.String(), Reason: doc.Get("reason").String()}
		if sig := doc.Get("signature"); sig.IsObject() {
			req.Signature = &SignatureClaim{
				Authority: sig.Get("authority").String(),
				Public:    sig.Get("public").String(),
			}
		}
		return req, nil
	case TypeCheck:
		path := doc.Get("pluginPath")
		if path.Type != gjson.String || path.String() == "" {
			return nil, fmt.Errorf("%w: check without pluginPath", ErrMalformedMessage)
		}
		return Check{ID: id, PluginPath: path.String()}, nil
	case TypeSuccess:
		return Response{ID: id, Granted: true}, nil
	case TypeFailure:
		return Response{ID: id}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, t)
	}
}

// DecodeID extracts the id of a message that may not decode otherwise.
func DecodeID(data []byte) (uint64, bool) {
	if !gjson.ValidBytes(data) {
		return 0, false
	}
	return decodeID(gjson.ParseBytes(data))
}

func decodeID(doc gjson.Result) (uint64, bool) {
	id := doc.Get("id")
	if id.Type != gjson.Number || id.Num < 1 || id.Num != float64(id.Uint()) {
		return 0, false
	}
	return id.Uint(), true
}
