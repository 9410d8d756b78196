// Package natsclient carries the control plane's bus traffic over NATS:
// Call is a request/reply exchange, Send is a plain publish, and Serve
// feeds a subject into an rpc.Router.
package natsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/codec"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc"
	"github.com/devghori1264/aerophoenix/controlplane/internal/telemetry"
)

const defaultCallTimeout = 10 * time.Second

// Options configures Connect.
type Options struct {
	URL         string
	Name        string
	CallTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *telemetry.Metrics
}

// Gateway implements rpc.Gateway on a NATS connection.
type Gateway struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

var _ rpc.Gateway = (*Gateway)(nil)

// Connect dials the NATS server. The connection reconnects forever.
func Connect(opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" {
		name = "aerophoenix-controlplane"
	}
	natsOpts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", opts.URL, err)
	}
	return New(nc, opts.CallTimeout, logger, opts.Metrics), nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, callTimeout time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Gateway {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{nc: nc, timeout: callTimeout, logger: logger, metrics: metrics}
}

var errNotConnected = errors.New("nats not connected")

func (g *Gateway) Call(ctx context.Context, topic string, msg rpc.Message, result any) (err error) {
	defer func() { g.metrics.ObserveBus("call", msg.Method, err) }()

	if g.nc == nil || g.nc.IsClosed() {
		return fault.Wrap(errNotConnected, fault.RemoteFailure, "call %s on %s", msg.Method, topic)
	}
	data, err := codec.Marshal(msg)
	if err != nil {
		return fault.Wrap(err, fault.BadRequest, "encoding %s", msg.Method)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.nc.RequestWithContext(ctx, topic, data)
	if err != nil {
		return fault.Wrap(err, fault.RemoteFailure, "call %s on %s", msg.Method, topic)
	}
	return rpc.DecodeReply(topic, msg.Method, resp.Data, result)
}

func (g *Gateway) Send(ctx context.Context, topic string, msg rpc.Message) (err error) {
	defer func() { g.metrics.ObserveBus("send", msg.Method, err) }()

	if g.nc == nil || g.nc.IsClosed() {
		return errNotConnected
	}
	data, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Method, err)
	}
	return g.nc.Publish(topic, data)
}

// Serve dispatches every message on topic to router until ctx ends.
// A non-empty queue load-balances the subject across subscribers.
// Messages published without a reply subject get no answer.
func (g *Gateway) Serve(ctx context.Context, topic, queue string, router *rpc.Router) error {
	handler := func(m *nats.Msg) {
		reply := router.Dispatch(ctx, m.Data)
		var outcome error
		if !reply.OK {
			outcome = fault.New(fault.BadRequest, "%s", reply.Error)
			g.logger.Warn("inbound message failed",
				zap.String("topic", topic), zap.String("error", reply.Error))
		}
		g.metrics.ObserveBus("inbound", topic, outcome)

		if m.Reply == "" {
			return
		}
		data, err := codec.Marshal(reply)
		if err != nil {
			g.logger.Error("encoding reply", zap.String("topic", topic), zap.Error(err))
			return
		}
		if err := m.Respond(data); err != nil {
			g.logger.Warn("sending reply", zap.String("topic", topic), zap.Error(err))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = g.nc.QueueSubscribe(topic, queue, handler)
	} else {
		sub, err = g.nc.Subscribe(topic, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	g.logger.Info("serving bus topic", zap.String("topic", topic), zap.String("queue", queue))

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			g.logger.Warn("unsubscribing", zap.String("topic", topic), zap.Error(err))
		}
	}()
	return nil
}

// Flush round-trips to the server so prior subscriptions are active.
func (g *Gateway) Flush() error {
	return g.nc.Flush()
}

func (g *Gateway) Close() {
	if g.nc != nil {
		_ = g.nc.Drain()
		g.nc.Close()
	}
}
