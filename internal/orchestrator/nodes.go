package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc"
	"github.com/devghori1264/aerophoenix/controlplane/internal/state"
)

// Router returns the handlers worker nodes reach on the controller
// topic: state reports, confirmations of commands they completed, and
// the records they materialize.
func (o *Orchestrator) Router() *rpc.Router {
	r := rpc.NewRouter()
	r.Handle("update_state", o.handleUpdateState)
	r.Handle("set_instance_state", o.handleSetInstanceState)
	r.Handle("instance_terminated", o.handleInstanceTerminated)
	r.Handle("volume_attached", o.handleVolumeAttached)
	r.Handle("volume_detached", o.handleVolumeDetached)
	r.Handle("register_volume", o.handleRegisterVolume)
	r.Handle("volume_deleted", o.handleVolumeDeleted)
	r.Handle("elastic_ip_updated", o.handleElasticIPUpdated)
	r.Handle("elastic_ip_released", o.handleElasticIPReleased)
	r.Handle("fixed_ip_registered", o.handleFixedIPRegistered)
	return r
}

func (o *Orchestrator) handleUpdateState(_ context.Context, env rpc.Envelope) (any, error) {
	var args struct {
		Topic string         `cbor:"topic"`
		Node  string         `cbor:"node"`
		Items map[string]any `cbor:"items"`
	}
	if err := env.Decode(&args); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding update_state")
	}
	if args.Topic == "" || args.Node == "" {
		return nil, fault.BadRequestf("update_state needs topic and node")
	}
	o.state.UpdateState(args.Topic, state.Report{Node: args.Node, Items: args.Items})
	return nil, nil
}

// handleSetInstanceState records the node that runs an instance and its
// power state.
func (o *Orchestrator) handleSetInstanceState(ctx context.Context, env rpc.Envelope) (any, error) {
	var args struct {
		InstanceID       string `cbor:"instance_id"`
		NodeName         string `cbor:"node_name"`
		State            int    `cbor:"state"`
		StateDescription string `cbor:"state_description"`
	}
	if err := env.Decode(&args); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding set_instance_state")
	}
	if args.InstanceID == "" {
		return nil, fault.BadRequestf("set_instance_state needs instance_id")
	}
	_, err := o.dir.Mutate(ctx, args.InstanceID, func(inst *models.Instance) error {
		if args.NodeName != "" {
			inst.NodeName = args.NodeName
		}
		inst.State = args.State
		if args.StateDescription != "" {
			inst.StateDescription = args.StateDescription
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Debug("instance state reported",
		zap.String("instance_id", args.InstanceID),
		zap.String("node", args.NodeName),
		zap.Int("state", args.State))
	return nil, nil
}

func (o *Orchestrator) handleInstanceTerminated(ctx context.Context, env rpc.Envelope) (any, error) {
	var args struct {
		InstanceID string `cbor:"instance_id"`
	}
	if err := env.Decode(&args); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding instance_terminated")
	}
	return nil, o.dir.Destroy(ctx, args.InstanceID)
}

func (o *Orchestrator) handleVolumeAttached(ctx context.Context, env rpc.Envelope) (any, error) {
	var args struct {
		VolumeID string `cbor:"volume_id"`
	}
	if err := env.Decode(&args); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding volume_attached")
	}
	_, err := o.vols.FinishAttach(ctx, args.VolumeID)
	return nil, err
}

func (o *Orchestrator) handleVolumeDetached(ctx context.Context, env rpc.Envelope) (any, error) {
	var args struct {
		VolumeID string `cbor:"volume_id"`
	}
	if err := env.Decode(&args); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding volume_detached")
	}
	_, err := o.vols.FinishDetach(ctx, args.VolumeID)
	return nil, err
}

// handleRegisterVolume stores the record of a volume a node created.
// Volume nodes call it before answering create_volume.
func (o *Orchestrator) handleRegisterVolume(ctx context.Context, env rpc.Envelope) (any, error) {
	var v models.Volume
	if err := env.Decode(&v); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding register_volume")
	}
	if v.ProjectID == "" || v.NodeName == "" {
		return nil, fault.BadRequestf("register_volume needs project_id and node_name")
	}
	if v.AvailabilityZone == "" {
		v.AvailabilityZone = o.cfg.AvailabilityZone
	}
	if err := o.vols.Create(ctx, &v); err != nil {
		return nil, err
	}
	return v.VolumeID, nil
}

func (o *Orchestrator) handleVolumeDeleted(ctx context.Context, env rpc.Envelope) (any, error) {
	var args struct {
		VolumeID string `cbor:"volume_id"`
	}
	if err := env.Decode(&args); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding volume_deleted")
	}
	err := o.vols.Delete(ctx, args.VolumeID)
	if fault.Is(err, fault.NotFound) {
		return nil, nil
	}
	return nil, err
}

func (o *Orchestrator) handleElasticIPUpdated(ctx context.Context, env rpc.Envelope) (any, error) {
	var ip models.ElasticIP
	if err := env.Decode(&ip); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding elastic_ip_updated")
	}
	if ip.Address == "" || ip.ProjectID == "" {
		return nil, fault.BadRequestf("elastic_ip_updated needs address and project_id")
	}
	return nil, o.addrs.SaveElastic(ctx, &ip)
}

func (o *Orchestrator) handleElasticIPReleased(ctx context.Context, env rpc.Envelope) (any, error) {
	var args struct {
		Address string `cbor:"address"`
	}
	if err := env.Decode(&args); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding elastic_ip_released")
	}
	return nil, o.addrs.RemoveElastic(ctx, args.Address)
}

func (o *Orchestrator) handleFixedIPRegistered(ctx context.Context, env rpc.Envelope) (any, error) {
	var ip models.FixedIP
	if err := env.Decode(&ip); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "decoding fixed_ip_registered")
	}
	if ip.Address == "" {
		return nil, fault.BadRequestf("fixed_ip_registered needs address")
	}
	return nil, o.addrs.SaveFixedIP(ctx, &ip)
}
