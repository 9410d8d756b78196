package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc"
)

// CreateVolume asks the volume service to materialize a volume and
// records it as pending until its node reports it.
func (o *Orchestrator) CreateVolume(ctx context.Context, actx auth.Context, size int) (out *VolumeView, err error) {
	ctx, end := o.begin(ctx, "CreateVolume", actx)
	defer end(&err)

	if size <= 0 {
		return nil, fault.BadRequestf("size must be positive")
	}
	var volumeID string
	msg := rpc.NewMessage("create_volume", map[string]any{
		"size":       size,
		"user_id":    actx.UserID,
		"project_id": actx.ProjectID,
	})
	if err := o.gw.Call(ctx, o.cfg.VolumeTopic, msg, &volumeID); err != nil {
		return nil, err
	}
	v, err := o.volume(ctx, actx, volumeID)
	if err != nil {
		return nil, fmt.Errorf("reading created volume %s: %w", volumeID, err)
	}
	view := o.volumeView(actx, v)
	o.state.MarkPending(TopicVolumes, v.VolumeID, view)
	return &view, nil
}

// DeleteVolume hands an available volume back to its node for removal.
func (o *Orchestrator) DeleteVolume(ctx context.Context, actx auth.Context, id string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "DeleteVolume", actx)
	defer end(&err)

	v, err := o.volume(ctx, actx, id)
	if err != nil {
		return false, err
	}
	if v.Status != models.VolumeAvailable {
		return false, fault.Conflictf("volume %s is %s", id, v.Status)
	}
	o.send(ctx, rpc.Topic(o.cfg.VolumeTopic, v.NodeName), "delete_volume", map[string]any{"volume_id": id})
	return true, nil
}

// AttachVolume claims the volume for device on the instance and asks the
// instance's node to plug it in. The node confirms with volume_attached.
func (o *Orchestrator) AttachVolume(ctx context.Context, actx auth.Context, volumeID, instanceID, device string) (out *AttachmentResult, err error) {
	ctx, end := o.begin(ctx, "AttachVolume", actx)
	defer end(&err)

	if device == "" {
		return nil, fault.BadRequestf("device is required")
	}
	if _, err := o.volume(ctx, actx, volumeID); err != nil {
		return nil, err
	}
	inst, err := o.instance(ctx, actx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Scheduled() {
		return nil, fault.InvalidStatef("instance %s is not running on any node", instanceID)
	}

	v, err := o.vols.StartAttach(ctx, volumeID, instanceID, device)
	if err != nil {
		return nil, err
	}
	o.send(ctx, o.computeTopic(inst.NodeName), "attach_volume", map[string]any{
		"volume_id":   volumeID,
		"instance_id": instanceID,
		"mountpoint":  device,
	})
	o.logger.Info("volume attaching",
		zap.String("volume_id", volumeID),
		zap.String("instance_id", instanceID),
		zap.String("device", device))

	return &AttachmentResult{
		VolumeID:   v.VolumeID,
		InstanceID: v.InstanceID,
		Device:     v.Mountpoint,
		Status:     v.AttachStatus,
		AttachTime: v.AttachTime,
		RequestID:  actx.RequestID,
	}, nil
}

// DetachVolume releases an attached volume. A volume whose instance no
// longer exists is reset directly.
func (o *Orchestrator) DetachVolume(ctx context.Context, actx auth.Context, volumeID string) (out *AttachmentResult, err error) {
	ctx, end := o.begin(ctx, "DetachVolume", actx)
	defer end(&err)

	v, err := o.volume(ctx, actx, volumeID)
	if err != nil {
		return nil, err
	}
	if v.InstanceID == "" {
		return nil, fault.InvalidStatef("volume %s is not attached to anything", volumeID)
	}
	if v.Status == models.VolumeAvailable {
		return nil, fault.InvalidStatef("volume %s is already detached", volumeID)
	}
	result := &AttachmentResult{
		VolumeID:   v.VolumeID,
		InstanceID: v.InstanceID,
		Device:     v.Mountpoint,
		AttachTime: v.AttachTime,
		RequestID:  actx.RequestID,
	}

	inst, err := o.instance(ctx, actx, v.InstanceID)
	switch {
	case fault.Is(err, fault.NotFound):
		o.logger.Warn("detaching volume of a missing instance",
			zap.String("volume_id", volumeID), zap.String("instance_id", v.InstanceID))
		if _, err := o.vols.FinishDetach(ctx, volumeID); err != nil {
			return nil, err
		}
		result.Status = models.AttachDetached
		return result, nil
	case err != nil:
		return nil, err
	}

	v, err = o.vols.StartDetach(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	o.send(ctx, o.computeTopic(inst.NodeName), "detach_volume", map[string]any{
		"instance_id": inst.InstanceID,
		"volume_id":   volumeID,
	})
	result.Status = v.AttachStatus
	return result, nil
}

// DescribeVolumes lists the caller's volumes, every volume for admins.
func (o *Orchestrator) DescribeVolumes(ctx context.Context, actx auth.Context, ids []string) (out []VolumeView, err error) {
	ctx, end := o.begin(ctx, "DescribeVolumes", actx)
	defer end(&err)

	vols, err := o.vols.List(ctx)
	if err != nil {
		return nil, err
	}
	want := toSet(ids)
	out = []VolumeView{}
	for _, v := range vols {
		if !actx.CanAccess(v.ProjectID) {
			continue
		}
		if want != nil && !want[v.VolumeID] {
			continue
		}
		out = append(out, o.volumeView(actx, v))
	}
	return out, nil
}

func (o *Orchestrator) volumeView(actx auth.Context, v *models.Volume) VolumeView {
	view := VolumeView{
		VolumeID:         v.VolumeID,
		Status:           v.Status,
		Size:             v.Size,
		AvailabilityZone: v.AvailabilityZone,
		CreateTime:       v.CreateTime,
	}
	if actx.IsAdmin {
		view.Status = fmt.Sprintf("%s (%s, %s, %s, %s)", v.Status, v.UserID, v.NodeName, v.InstanceID, v.Mountpoint)
	}
	if v.AttachStatus == models.AttachAttached {
		view.AttachmentSet = []Attachment{{
			VolumeID:   v.VolumeID,
			InstanceID: v.InstanceID,
			Device:     v.Mountpoint,
			Status:     v.AttachStatus,
			AttachTime: v.AttachTime,
		}}
	} else {
		view.AttachmentSet = []Attachment{{}}
	}
	return view
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
