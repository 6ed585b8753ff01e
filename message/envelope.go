package message

import (
	"encoding/json"
	"fmt"
)

// Kind says which half of the Envelope union is set.
type Kind int

const (
	KindCall Kind = iota
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReply:
		return "reply"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Envelope is one decoded frame: exactly one of Call or Reply is non-nil.
type Envelope struct {
	Call  *Call
	Reply *Reply
}

// Kind reports whether the envelope holds a Call or a Reply.
func (e Envelope) Kind() Kind {
	if e.Reply != nil {
		return KindReply
	}
	return KindCall
}

// Codec is the subset of codec.Codec the envelope helpers need.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// wireEnvelope is the union of both shapes. RequestID is a pointer so that its
// presence alone classifies the document.
type wireEnvelope struct {
	ID         *Token          `json:"id"`
	Target     string          `json:"class"`
	Method     string          `json:"method"`
	InstanceID int             `json:"instanceId"`
	Arguments  json.RawMessage `json:"arguments"`

	RequestID   *Token          `json:"requestId"`
	Success     bool            `json:"success"`
	ReturnValue json.RawMessage `json:"returnValue"`
	Error       json.RawMessage `json:"error"`
}

// Marshal serializes whichever half of env is set.
func Marshal(c Codec, env Envelope) ([]byte, error) {
	switch {
	case env.Reply != nil:
		return c.Encode(env.Reply)
	case env.Call != nil:
		call := *env.Call
		if len(call.Arguments) == 0 || string(call.Arguments) == "null" {
			call.Arguments = emptyObject
		}
		return c.Encode(&call)
	default:
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformed)
	}
}

// MarshalCall is Marshal for a Call.
func MarshalCall(c Codec, call *Call) ([]byte, error) {
	return Marshal(c, Envelope{Call: call})
}

// MarshalReply is Marshal for a Reply.
func MarshalReply(c Codec, reply *Reply) ([]byte, error) {
	return Marshal(c, Envelope{Reply: reply})
}

// Unmarshal decodes one frame payload and classifies it. A document carrying
// "requestId" is a Reply; anything else must be a well-formed Call.
func Unmarshal(c Codec, data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := c.Decode(data, &w); err != nil {
		return Envelope{}, err
	}

	if w.RequestID != nil {
		return Envelope{Reply: &Reply{
			RequestID:   *w.RequestID,
			Success:     w.Success,
			ReturnValue: w.ReturnValue,
			Error:       w.Error,
		}}, nil
	}

	if w.ID == nil || w.Target == "" || w.Method == "" {
		return Envelope{}, fmt.Errorf("%w: call without id, class or method", ErrMalformed)
	}
	args := w.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = emptyObject
	}
	return Envelope{Call: &Call{
		ID:         *w.ID,
		Target:     w.Target,
		Method:     w.Method,
		InstanceID: w.InstanceID,
		Arguments:  args,
	}}, nil
}

// Preview returns at most n bytes of data for log lines.
func Preview(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
