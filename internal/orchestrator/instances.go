package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc"
)

const defaultSecurityGroup = "default"

// RunInstances launches MaxCount instances of one image as a single
// reservation. Nothing is created when validation, image or key lookup,
// or network host resolution fails. A failure while launching aborts
// the rest of the batch; instances already saved stay in place.
func (o *Orchestrator) RunInstances(ctx context.Context, actx auth.Context, req RunRequest) (res *Reservation, err error) {
	ctx, end := o.begin(ctx, "RunInstances", actx)
	defer end(&err)

	if req.ImageID == "" {
		return nil, fault.BadRequestf("image_id is required")
	}
	if req.MaxCount < 1 || req.MaxCount > o.cfg.MaxInstanceCount {
		return nil, fault.BadRequestf("max_count must be between 1 and %d", o.cfg.MaxInstanceCount)
	}
	if _, err := base64.StdEncoding.DecodeString(req.UserData); err != nil {
		return nil, fault.Wrap(err, fault.BadRequest, "user_data is not base64")
	}
	instanceType := req.InstanceType
	if instanceType == "" {
		instanceType = o.cfg.DefaultInstanceType
	}

	// The VPN image is private and never listed, but it must exist.
	var img *models.Image
	if req.ImageID == o.cfg.VPNImageID {
		img, err = o.images.Get(ctx, req.ImageID)
	} else {
		img, err = o.images.Resolve(ctx, actx, req.ImageID)
	}
	if err != nil {
		return nil, err
	}
	kernelID := firstNonEmpty(req.KernelID, img.KernelID, o.cfg.DefaultKernel)
	ramdiskID := firstNonEmpty(req.RamdiskID, img.RamdiskID, o.cfg.DefaultRamdisk)
	if _, err := o.images.Resolve(ctx, actx, kernelID); err != nil {
		return nil, err
	}
	if _, err := o.images.Resolve(ctx, actx, ramdiskID); err != nil {
		return nil, err
	}

	reservationID := models.NewID("r")
	launchTime := o.now().UTC().Format("2006-01-02T15:04:05Z")

	var keyData string
	if req.KeyName != "" {
		kp, err := o.auth.KeyPair(ctx, actx.UserID, req.KeyName)
		if err != nil {
			return nil, err
		}
		keyData = kp.PublicKey
	}

	networkTopic, err := o.networkTopic(ctx, actx)
	if err != nil {
		return nil, err
	}

	isVPN := img.ImageID == o.cfg.VPNImageID
	for idx := range req.MaxCount {
		inst := o.dir.NewInstance()

		var alloc models.FixedAllocation
		msg := rpc.NewMessage("allocate_fixed_ip", map[string]any{
			"user_id":        actx.UserID,
			"project_id":     actx.ProjectID,
			"security_group": defaultSecurityGroup,
			"is_vpn":         isVPN,
			"hostname":       inst.InstanceID,
		})
		if err := o.gw.Call(ctx, networkTopic, msg, &alloc); err != nil {
			return nil, fmt.Errorf("launching instance %d of %s: %w", idx, reservationID, err)
		}

		inst.ImageID = img.ImageID
		inst.KernelID = kernelID
		inst.RamdiskID = ramdiskID
		inst.UserData = req.UserData
		inst.InstanceType = instanceType
		inst.ReservationID = reservationID
		inst.LaunchTime = launchTime
		inst.KeyName = req.KeyName
		inst.KeyData = keyData
		inst.UserID = actx.UserID
		inst.ProjectID = actx.ProjectID
		inst.AMILaunchIndex = idx
		inst.SecurityGroup = defaultSecurityGroup
		inst.Hostname = inst.InstanceID
		inst.StateDescription = "pending"
		alloc.Apply(inst)

		if err := o.dir.Save(ctx, inst); err != nil {
			return nil, err
		}
		o.send(ctx, o.cfg.ComputeTopic, "run_instance", map[string]any{"instance_id": inst.InstanceID})
		o.logger.Info("instance launched",
			zap.String("instance_id", inst.InstanceID),
			zap.String("reservation_id", reservationID),
			zap.String("private_ip", inst.PrivateDNSName))
	}

	reservations, err := o.reservations(ctx, actx, reservationID)
	if err != nil {
		return nil, err
	}
	if len(reservations) != 1 {
		return nil, fault.Internalf("reservation %s formatted into %d reservations", reservationID, len(reservations))
	}
	return &reservations[0], nil
}

// TerminateInstances tears down each listed instance independently.
// Unknown ids are logged and skipped.
func (o *Orchestrator) TerminateInstances(ctx context.Context, actx auth.Context, ids []string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "TerminateInstances", actx)
	defer end(&err)

	networkTopic, err := o.networkTopic(ctx, actx)
	if err != nil {
		return false, err
	}
	public, err := o.publicIPs(ctx)
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		inst, err := o.instance(ctx, actx, id)
		if fault.Is(err, fault.NotFound) {
			o.logger.Warn("instance not found during terminate", zap.String("instance_id", id))
			continue
		}
		if err != nil {
			return false, err
		}

		if ip := public[id]; ip != "" {
			o.send(ctx, networkTopic, "disassociate_elastic_ip", map[string]any{"elastic_ip": ip})
		}
		if inst.PrivateDNSName != "" {
			o.send(ctx, networkTopic, "deallocate_fixed_ip", map[string]any{"fixed_ip": inst.PrivateDNSName})
		}
		if inst.Scheduled() {
			o.send(ctx, o.computeTopic(inst.NodeName), "terminate_instance", map[string]any{"instance_id": id})
			continue
		}
		if err := o.dir.Destroy(ctx, id); err != nil {
			return false, err
		}
	}
	return true, nil
}

// RebootInstances asks each owning node to reboot; the first failure
// aborts.
func (o *Orchestrator) RebootInstances(ctx context.Context, actx auth.Context, ids []string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "RebootInstances", actx)
	defer end(&err)

	for _, id := range ids {
		inst, err := o.instance(ctx, actx, id)
		if err != nil {
			return false, err
		}
		if !inst.Scheduled() {
			return false, fault.InvalidStatef("instance %s is not running on any node", id)
		}
		o.send(ctx, o.computeTopic(inst.NodeName), "reboot_instance", map[string]any{"instance_id": id})
	}
	return true, nil
}

// GetConsoleOutput fetches the console log from the owning node.
func (o *Orchestrator) GetConsoleOutput(ctx context.Context, actx auth.Context, id string) (out *ConsoleOutput, err error) {
	ctx, end := o.begin(ctx, "GetConsoleOutput", actx)
	defer end(&err)

	inst, err := o.instance(ctx, actx, id)
	if err != nil {
		return nil, err
	}
	if !inst.Scheduled() {
		return nil, fault.InvalidStatef("instance %s is not running on any node", id)
	}
	var console ConsoleOutput
	msg := rpc.NewMessage("get_console_output", map[string]any{"instance_id": id})
	if err := o.gw.Call(ctx, o.computeTopic(inst.NodeName), msg, &console); err != nil {
		return nil, err
	}
	if console.InstanceID == "" {
		console.InstanceID = id
	}
	return &console, nil
}

// DescribeInstances lists reservations visible to the caller.
func (o *Orchestrator) DescribeInstances(ctx context.Context, actx auth.Context) (out []Reservation, err error) {
	ctx, end := o.begin(ctx, "DescribeInstances", actx)
	defer end(&err)
	return o.reservations(ctx, actx, "")
}

// reservations groups the caller's instances by reservation, in order
// of first appearance, siblings by launch index. With only set, the
// listing is restricted to that reservation.
func (o *Orchestrator) reservations(ctx context.Context, actx auth.Context, only string) ([]Reservation, error) {
	public, err := o.publicIPs(ctx)
	if err != nil {
		return nil, err
	}

	seq := o.dir.ByProject(ctx, actx.ProjectID)
	if actx.IsAdmin {
		seq = o.dir.All(ctx)
	}

	var (
		order []string
		byID  = map[string]*Reservation{}
	)
	for inst, err := range seq {
		if err != nil {
			return nil, err
		}
		resID := inst.ReservationID
		if resID == "" {
			resID = "Unknown"
		}
		if only != "" && resID != only {
			continue
		}
		// A launch always sees its own instances; listings hide the
		// VPN image from non-admins.
		if only == "" && !actx.IsAdmin && inst.ImageID == o.cfg.VPNImageID {
			continue
		}

		r, ok := byID[resID]
		if !ok {
			r = &Reservation{ReservationID: resID, OwnerID: inst.ProjectID}
			if inst.SecurityGroup != "" {
				r.GroupSet = []Group{{GroupID: inst.SecurityGroup}}
			}
			byID[resID] = r
			order = append(order, resID)
		}
		r.Instances = append(r.Instances, o.instanceView(actx, inst, public[inst.InstanceID]))
	}

	out := make([]Reservation, 0, len(order))
	for _, id := range order {
		r := byID[id]
		slices.SortStableFunc(r.Instances, func(a, b InstanceView) int { return a.AMILaunchIndex - b.AMILaunchIndex })
		out = append(out, *r)
	}
	return out, nil
}

func (o *Orchestrator) instanceView(actx auth.Context, inst *models.Instance, publicIP string) InstanceView {
	v := InstanceView{
		InstanceID:     inst.InstanceID,
		ImageID:        inst.ImageID,
		State:          InstanceState{Code: inst.State, Name: firstNonEmpty(inst.StateDescription, "pending")},
		PublicDNSName:  firstNonEmpty(publicIP, inst.PrivateDNSName),
		PrivateDNSName: inst.PrivateDNSName,
		DNSName:        inst.DNSName,
		KeyName:        inst.KeyName,
		InstanceType:   inst.InstanceType,
		LaunchTime:     inst.LaunchTime,
		AMILaunchIndex: inst.AMILaunchIndex,
	}
	if actx.IsAdmin {
		v.KeyName = fmt.Sprintf("%s (%s, %s)", inst.KeyName, inst.ProjectID, inst.NodeName)
	}
	for _, code := range inst.ProductCodes {
		v.ProductCodes = append(v.ProductCodes, ProductCode{ProductCode: code})
	}
	return v
}

// publicIPs maps instance ids to their associated elastic address.
func (o *Orchestrator) publicIPs(ctx context.Context) (map[string]string, error) {
	ips, err := o.addrs.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ips))
	for _, ip := range ips {
		if ip.InstanceID != "" {
			out[ip.InstanceID] = ip.Address
		}
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
