// Package rpc defines the message envelope exchanged with worker nodes
// and the two primitives the control plane needs from the bus: a
// blocking Call and a fire-and-forget Send.
//
// A request is {method, args}. A reply is {ok, error, result}: on
// success result carries the handler's value (a named-field map or a
// single scalar), on failure error carries the remote message.
package rpc

import (
	"context"
	"fmt"

	"github.com/devghori1264/aerophoenix/controlplane/internal/codec"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
)

// Message is an outbound command.
type Message struct {
	Method string         `cbor:"method"`
	Args   map[string]any `cbor:"args,omitempty"`
}

// NewMessage builds a message; args may be nil.
func NewMessage(method string, args map[string]any) Message {
	return Message{Method: method, Args: args}
}

// Reply is the wire envelope of every Call response.
type Reply struct {
	OK     bool             `cbor:"ok"`
	Error  string           `cbor:"error,omitempty"`
	Result codec.RawMessage `cbor:"result,omitempty"`
}

// Gateway is the messaging layer as seen by the orchestrator.
type Gateway interface {
	// Call blocks until the addressed node replies or the call times
	// out. Any failure is reported with kind fault.RemoteFailure.
	Call(ctx context.Context, topic string, msg Message, result any) error
	// Send publishes msg without waiting. Delivery is not guaranteed.
	Send(ctx context.Context, topic string, msg Message) error
}

// Topic returns the node-scoped topic of a service.
func Topic(service, node string) string {
	return service + "." + node
}

// RemoteError is returned when the remote handler answered ok=false.
type RemoteError struct {
	Topic   string
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %s %q: %s", e.Topic, e.Method, e.Message)
}

// DecodeReply turns an encoded Reply into result or an error. Both a
// malformed reply and a remote failure carry fault.RemoteFailure.
func DecodeReply(topic, method string, data []byte, result any) error {
	var reply Reply
	if err := codec.Unmarshal(data, &reply); err != nil {
		return fault.Wrap(err, fault.RemoteFailure, "decoding reply to %s on %s", method, topic)
	}
	if !reply.OK {
		return fault.Wrap(&RemoteError{Topic: topic, Method: method, Message: reply.Error},
			fault.RemoteFailure, "call %s on %s", method, topic)
	}
	if result != nil && len(reply.Result) > 0 {
		if err := codec.Unmarshal(reply.Result, result); err != nil {
			return fault.Wrap(err, fault.RemoteFailure, "decoding result of %s on %s", method, topic)
		}
	}
	return nil
}
