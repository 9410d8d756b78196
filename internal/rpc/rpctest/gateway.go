// Package rpctest provides an in-process rpc.Gateway that records every
// outbound message and answers calls from scripted responders.
package rpctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/devghori1264/aerophoenix/controlplane/internal/codec"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc"
)

// Kind distinguishes recorded calls from sends.
type Kind string

const (
	KindCall Kind = "call"
	KindSend Kind = "send"
)

// Record is one observed outbound message.
type Record struct {
	Kind   Kind
	Topic  string
	Method string
	Args   map[string]any
}

// Responder answers a Call. A returned error becomes a remote failure.
type Responder func(topic string, args map[string]any) (any, error)

// Gateway is safe for concurrent use.
type Gateway struct {
	mu         sync.Mutex
	records    []Record
	responders map[string]Responder
	onSend     map[string]func(topic string, args map[string]any)
}

func New() *Gateway {
	return &Gateway{
		responders: make(map[string]Responder),
		onSend:     make(map[string]func(string, map[string]any)),
	}
}

// OnCall scripts the answer for method.
func (g *Gateway) OnCall(method string, r Responder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responders[method] = r
}

// OnSend runs fn after every Send of method, outside the lock.
func (g *Gateway) OnSend(method string, fn func(topic string, args map[string]any)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSend[method] = fn
}

func (g *Gateway) Call(ctx context.Context, topic string, msg rpc.Message, result any) error {
	g.mu.Lock()
	g.records = append(g.records, Record{Kind: KindCall, Topic: topic, Method: msg.Method, Args: msg.Args})
	r := g.responders[msg.Method]
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fault.Wrap(err, fault.RemoteFailure, "call %s on %s", msg.Method, topic)
	}
	if r == nil {
		return fault.Wrap(&rpc.RemoteError{Topic: topic, Method: msg.Method, Message: "no consumer"},
			fault.RemoteFailure, "call %s on %s", msg.Method, topic)
	}
	v, err := r(topic, msg.Args)
	if err != nil {
		return fault.Wrap(&rpc.RemoteError{Topic: topic, Method: msg.Method, Message: err.Error()},
			fault.RemoteFailure, "call %s on %s", msg.Method, topic)
	}
	if result == nil || v == nil {
		return nil
	}
	// Round trip through the wire codec so callers see what a real
	// transport would hand them.
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpctest: marshaling scripted result: %w", err)
	}
	return codec.Unmarshal(data, result)
}

func (g *Gateway) Send(ctx context.Context, topic string, msg rpc.Message) error {
	g.mu.Lock()
	g.records = append(g.records, Record{Kind: KindSend, Topic: topic, Method: msg.Method, Args: msg.Args})
	fn := g.onSend[msg.Method]
	g.mu.Unlock()

	if fn != nil {
		fn(topic, msg.Args)
	}
	return nil
}

// Records returns a copy of everything observed so far.
func (g *Gateway) Records() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Record(nil), g.records...)
}

// Sent returns the recorded sends of method.
func (g *Gateway) Sent(method string) []Record {
	return g.filter(KindSend, method)
}

// Called returns the recorded calls of method.
func (g *Gateway) Called(method string) []Record {
	return g.filter(KindCall, method)
}

func (g *Gateway) filter(kind Kind, method string) []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Record
	for _, r := range g.records {
		if r.Kind == kind && r.Method == method {
			out = append(out, r)
		}
	}
	return out
}
