// Package message defines the RPC envelopes exchanged between the browser host
// and the controlling application.
//
// Every frame carries exactly one JSON envelope, either a Call or a Reply:
//
//	Call:  {"id": <token>, "class": <string>, "method": <string>, "instanceId": <int>, "arguments": <object>}
//	Reply: {"requestId": <token>, "success": <bool>, "returnValue": <any>, "error": <any|null>}
//
// The presence of "requestId" is what tells the two apart.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a decoded document is neither a valid Call nor a valid Reply.
var ErrMalformed = errors.New("malformed envelope")

var emptyObject = json.RawMessage(`{}`)

// Call asks the peer to run Method on Target, optionally scoped to one instance.
//
//   - Target is the logical class ("Browser", "Client").
//   - InstanceID is an opaque key owned by the embedding; 0 when the call is not instance-scoped.
//   - Arguments is always a JSON object on the wire.
type Call struct {
	ID         Token           `json:"id"`
	Target     string          `json:"class"`
	Method     string          `json:"method"`
	InstanceID int             `json:"instanceId"`
	Arguments  json.RawMessage `json:"arguments"`
}

// NewCall builds a Call with a fresh token. args may be nil, a json.RawMessage,
// or any value that encodes to a JSON object.
func NewCall(target, method string, instanceID int, args any) (*Call, error) {
	raw, err := encodeArguments(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s.%s arguments: %w", target, method, err)
	}
	return &Call{
		ID:         NewToken(),
		Target:     target,
		Method:     method,
		InstanceID: instanceID,
		Arguments:  raw,
	}, nil
}

// Route returns "Target.Method", the form used in logs and metrics.
func (c *Call) Route() string {
	return c.Target + "." + c.Method
}

// Bind decodes the call arguments into v.
func (c *Call) Bind(v any) error {
	args := c.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = emptyObject
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("bind %s arguments: %w", c.Route(), err)
	}
	return nil
}

func encodeArguments(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(v) == 0 || string(v) == "null" {
			return emptyObject, nil
		}
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if string(raw) == "null" {
			return emptyObject, nil
		}
		return raw, nil
	}
}

// Reply answers the Call whose token is RequestID.
// Error is always present on the wire and is null on success.
type Reply struct {
	RequestID   Token           `json:"requestId"`
	Success     bool            `json:"success"`
	ReturnValue json.RawMessage `json:"returnValue"`
	Error       json.RawMessage `json:"error"`
}

// NewReply builds a successful Reply carrying value.
func NewReply(requestID Token, value any) (*Reply, error) {
	raw, err := encodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("encode return value: %w", err)
	}
	return &Reply{RequestID: requestID, Success: true, ReturnValue: raw}, nil
}

// MustReply is NewReply for values that always encode (bools, numbers, strings, plain structs).
func MustReply(requestID Token, value any) *Reply {
	r, err := NewReply(requestID, value)
	if err != nil {
		return NewErrorReply(requestID, err.Error())
	}
	return r
}

// NewErrorReply builds a failed Reply. errValue is usually a string but may be
// any JSON-encodable value (the script evaluator reports a structured error).
func NewErrorReply(requestID Token, errValue any) *Reply {
	raw, err := encodeValue(errValue)
	if err != nil || string(raw) == "null" {
		raw, _ = json.Marshal(fmt.Sprint(errValue))
	}
	return &Reply{RequestID: requestID, Success: false, Error: raw}
}

// Decode decodes the return value into v.
func (r *Reply) Decode(v any) error {
	if len(r.ReturnValue) == 0 {
		return nil
	}
	return json.Unmarshal(r.ReturnValue, v)
}

// ErrorText renders the error payload for humans: strings unquoted, anything else as JSON.
func (r *Reply) ErrorText() string {
	if len(r.Error) == 0 || string(r.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	return string(r.Error)
}

func encodeValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	default:
		return json.Marshal(val)
	}
}
