package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hostbridge/message"
	"hostbridge/pending"
	"hostbridge/queue"
)

// RemoteError is a Reply with success=false.
type RemoteError struct {
	Target string
	Method string
	Value  json.RawMessage
}

func (e *RemoteError) Error() string {
	r := message.Reply{Error: e.Value}
	return fmt.Sprintf("%s.%s failed: %s", e.Target, e.Method, r.ErrorText())
}

// EnqueueCall sends a Call without waiting for any reply.
func (e *Endpoint) EnqueueCall(target, method string, instanceID int, args any) (message.Token, error) {
	call, data, err := e.encodeCall(target, method, instanceID, args)
	if err != nil {
		return message.NilToken, err
	}
	if err := e.enqueue(data); err != nil {
		return message.NilToken, fmt.Errorf("enqueue %s: %w", call.Route(), err)
	}
	return call.ID, nil
}

// Send sends a Call whose Reply the caller will collect with AwaitReply.
// The token is registered before the Call is queued, so a Reply that arrives
// before AwaitReply starts is kept.
func (e *Endpoint) Send(target, method string, instanceID int, args any) (*pending.PendingCall, error) {
	call, data, err := e.encodeCall(target, method, instanceID, args)
	if err != nil {
		return nil, err
	}
	pc, err := e.table.Begin(call.ID)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", call.Route(), err)
	}
	if err := e.enqueue(data); err != nil {
		e.table.Cancel(call.ID)
		return nil, fmt.Errorf("enqueue %s: %w", call.Route(), err)
	}
	return pc, nil
}

// AwaitReply blocks until the Reply for pc arrives, the connection is lost,
// ctx ends or the default call timeout elapses.
func (e *Endpoint) AwaitReply(ctx context.Context, pc *pending.PendingCall) (*message.Reply, error) {
	return e.table.Wait(ctx, pc)
}

// Invoke is Send plus AwaitReply. A failed Reply becomes a *RemoteError; a
// successful one is decoded into out when out is non-nil.
func (e *Endpoint) Invoke(ctx context.Context, target, method string, instanceID int, args, out any) error {
	pc, err := e.Send(target, method, instanceID, args)
	if err != nil {
		return err
	}
	reply, err := e.AwaitReply(ctx, pc)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", target, method, err)
	}
	if !reply.Success {
		return &RemoteError{Target: target, Method: method, Value: reply.Error}
	}
	if out != nil {
		if err := reply.Decode(out); err != nil {
			return fmt.Errorf("decode %s.%s result: %w", target, method, err)
		}
	}
	return nil
}

// Reply queues a Reply. Handlers that finish on another goroutine call this
// through handler.Request.Responder.
func (e *Endpoint) Reply(r *message.Reply) error {
	data, err := message.MarshalReply(e.codec, r)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return e.enqueue(data)
}

func (e *Endpoint) encodeCall(target, method string, instanceID int, args any) (*message.Call, []byte, error) {
	call, err := message.NewCall(target, method, instanceID, args)
	if err != nil {
		return nil, nil, err
	}
	data, err := message.MarshalCall(e.codec, call)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s: %w", call.Route(), err)
	}
	return call, data, nil
}

func (e *Endpoint) enqueue(data []byte) error {
	if err := e.outbound.Push(data); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	e.metrics.SetQueueDepth("outbound", e.outbound.Len())
	return nil
}
