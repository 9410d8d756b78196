package rpc

import (
	"context"
	"fmt"

	"github.com/devghori1264/aerophoenix/controlplane/internal/codec"
)

// Envelope is an inbound message with its arguments still encoded, so
// each handler decodes exactly the fields it expects.
type Envelope struct {
	Method string           `cbor:"method"`
	Args   codec.RawMessage `cbor:"args,omitempty"`
}

// Decode unpacks the arguments into v. Missing arguments leave v
// untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Args) == 0 {
		return nil
	}
	return codec.Unmarshal(e.Args, v)
}

// HandlerFunc processes one inbound method. A nil result produces a
// reply without a result field.
type HandlerFunc func(ctx context.Context, env Envelope) (any, error)

// Router maps method names to handlers. Register everything with Handle
// before serving; Dispatch is safe for concurrent use afterwards.
type Router struct {
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a handler. Panics on duplicate registration.
func (r *Router) Handle(method string, h HandlerFunc) {
	if _, exists := r.handlers[method]; exists {
		panic(fmt.Sprintf("rpc.Router: duplicate handler for method %q", method))
	}
	r.handlers[method] = h
}

// Dispatch decodes one message, runs its handler and builds the reply.
func (r *Router) Dispatch(ctx context.Context, data []byte) Reply {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return Reply{Error: fmt.Sprintf("invalid message: %v", err)}
	}
	if env.Method == "" {
		return Reply{Error: "missing required field: method"}
	}
	h, ok := r.handlers[env.Method]
	if !ok {
		return Reply{Error: fmt.Sprintf("unknown method %q", env.Method)}
	}

	result, err := h(ctx, env)
	if err != nil {
		return Reply{Error: err.Error()}
	}
	reply := Reply{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return Reply{Error: fmt.Sprintf("internal: marshaling result: %v", err)}
		}
		reply.Result = data
	}
	return reply
}
