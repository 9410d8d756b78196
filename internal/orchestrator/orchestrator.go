// Package orchestrator implements the cloud API: it authorizes each
// request against its project, moves resource records through their
// transitions and dispatches commands to worker nodes over the bus.
package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/devghori1264/aerophoenix/controlplane/internal/address"
	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/config"
	"github.com/devghori1264/aerophoenix/controlplane/internal/directory"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/images"
	"github.com/devghori1264/aerophoenix/controlplane/internal/metadata"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc"
	"github.com/devghori1264/aerophoenix/controlplane/internal/state"
	"github.com/devghori1264/aerophoenix/controlplane/internal/telemetry"
	"github.com/devghori1264/aerophoenix/controlplane/internal/volume"
)

// TopicVolumes is the aggregator topic volume nodes report on.
const TopicVolumes = "volumes"

// Deps are the collaborators of the orchestrator. Logger, Metrics,
// Tracer and Now are optional.
type Deps struct {
	Directory *directory.Directory
	Volumes   *volume.Registry
	Addresses *address.Registry
	Images    *images.Registry
	Auth      *auth.Manager
	Gateway   rpc.Gateway
	State     *state.Aggregator
	Metadata  *metadata.Assembler

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg config.CloudConfig

	dir    *directory.Directory
	vols   *volume.Registry
	addrs  *address.Registry
	images *images.Registry
	auth   *auth.Manager
	gw     rpc.Gateway
	state  *state.Aggregator
	meta   *metadata.Assembler

	logger  *zap.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	// hosts collapses concurrent network host bindings per project.
	hosts singleflight.Group
}

func New(cfg config.CloudConfig, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		dir:     deps.Directory,
		vols:    deps.Volumes,
		addrs:   deps.Addresses,
		images:  deps.Images,
		auth:    deps.Auth,
		gw:      deps.Gateway,
		state:   deps.State,
		meta:    deps.Metadata,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		now:     deps.Now,
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/devghori1264/aerophoenix/controlplane/internal/orchestrator")
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// begin opens the span, timer and log scope of one operation. The
// returned func must be deferred with the operation's named error.
func (o *Orchestrator) begin(ctx context.Context, op string, actx auth.Context) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("user_id", actx.UserID),
		attribute.String("project_id", actx.ProjectID),
		attribute.String("request_id", actx.RequestID),
	))
	return ctx, func(errp *error) {
		err := *errp
		elapsed := time.Since(start)
		o.metrics.ObserveOperation(op, err, elapsed)

		fields := []zap.Field{
			zap.String("operation", op),
			zap.String("request_id", actx.RequestID),
			zap.String("user_id", actx.UserID),
			zap.String("project_id", actx.ProjectID),
			zap.Duration("elapsed", elapsed),
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logger.Warn("operation failed", append(fields,
				zap.String("kind", fault.KindOf(err).String()), zap.Error(err))...)
		} else {
			o.logger.Debug("operation completed", fields...)
		}
		span.End()
	}
}

// send publishes a fire-and-forget command. Failures are logged only.
func (o *Orchestrator) send(ctx context.Context, topic, method string, args map[string]any) {
	if err := o.gw.Send(ctx, topic, rpc.NewMessage(method, args)); err != nil {
		o.logger.Warn("send failed",
			zap.String("topic", topic), zap.String("method", method), zap.Error(err))
	}
}

func (o *Orchestrator) computeTopic(node string) string {
	return rpc.Topic(o.cfg.ComputeTopic, node)
}

// instance resolves an instance the caller may act on. Instances of
// other projects are NotFound.
func (o *Orchestrator) instance(ctx context.Context, actx auth.Context, id string) (*models.Instance, error) {
	inst, err := o.dir.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actx.CanAccess(inst.ProjectID) {
		return nil, fault.NotFoundf("instance %s not found", id)
	}
	return inst, nil
}

func (o *Orchestrator) volume(ctx context.Context, actx auth.Context, id string) (*models.Volume, error) {
	v, err := o.vols.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actx.CanAccess(v.ProjectID) {
		return nil, fault.NotFoundf("volume %s not found", id)
	}
	return v, nil
}

func (o *Orchestrator) address(ctx context.Context, actx auth.Context, ip string) (*models.ElasticIP, error) {
	addr, err := o.addrs.Get(ctx, ip)
	if err != nil {
		return nil, err
	}
	if !actx.CanAccess(addr.ProjectID) {
		return nil, fault.NotFoundf("address %s not found", ip)
	}
	return addr, nil
}

// networkTopic returns the node-scoped network topic of the caller's
// project, asking the network service to bind a host when none is
// recorded yet. Concurrent first requests of one project share a
// single binding call.
func (o *Orchestrator) networkTopic(ctx context.Context, actx auth.Context) (string, error) {
	host, err := o.addrs.HostForProject(ctx, actx.ProjectID)
	if err == nil {
		return rpc.Topic(o.cfg.NetworkTopic, host), nil
	}
	if !fault.Is(err, fault.NotFound) {
		return "", err
	}

	v, err, _ := o.hosts.Do(actx.ProjectID, func() (any, error) {
		if host, err := o.addrs.HostForProject(ctx, actx.ProjectID); err == nil {
			return host, nil
		}
		var offered string
		msg := rpc.NewMessage("set_network_host", map[string]any{
			"user_id":    actx.UserID,
			"project_id": actx.ProjectID,
		})
		if err := o.gw.Call(ctx, o.cfg.NetworkTopic, msg, &offered); err != nil {
			return "", err
		}
		if offered == "" {
			return "", fault.New(fault.RemoteFailure, "network service returned no host for %s", actx.ProjectID)
		}
		return o.addrs.BindHost(ctx, actx.ProjectID, offered)
	})
	if err != nil {
		return "", err
	}
	return rpc.Topic(o.cfg.NetworkTopic, v.(string)), nil
}
