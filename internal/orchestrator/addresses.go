package orchestrator

import (
	"context"
	"fmt"

	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc"
)

// AllocateAddress obtains a new elastic address for the caller's
// project from its network host.
func (o *Orchestrator) AllocateAddress(ctx context.Context, actx auth.Context) (ip string, err error) {
	ctx, end := o.begin(ctx, "AllocateAddress", actx)
	defer end(&err)

	topic, err := o.networkTopic(ctx, actx)
	if err != nil {
		return "", err
	}
	msg := rpc.NewMessage("allocate_elastic_ip", map[string]any{
		"user_id":    actx.UserID,
		"project_id": actx.ProjectID,
	})
	if err := o.gw.Call(ctx, topic, msg, &ip); err != nil {
		return "", err
	}
	if ip == "" {
		return "", fault.New(fault.RemoteFailure, "network service allocated no address")
	}
	return ip, nil
}

func (o *Orchestrator) ReleaseAddress(ctx context.Context, actx auth.Context, ip string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "ReleaseAddress", actx)
	defer end(&err)

	if _, err := o.address(ctx, actx, ip); err != nil {
		return false, err
	}
	topic, err := o.networkTopic(ctx, actx)
	if err != nil {
		return false, err
	}
	o.send(ctx, topic, "deallocate_elastic_ip", map[string]any{"elastic_ip": ip})
	return true, nil
}

// AssociateAddress points an elastic address at the private address of
// an instance.
func (o *Orchestrator) AssociateAddress(ctx context.Context, actx auth.Context, instanceID, ip string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "AssociateAddress", actx)
	defer end(&err)

	inst, err := o.instance(ctx, actx, instanceID)
	if err != nil {
		return false, err
	}
	if _, err := o.address(ctx, actx, ip); err != nil {
		return false, err
	}
	if inst.PrivateDNSName == "" {
		return false, fault.InvalidStatef("instance %s has no private address", instanceID)
	}
	topic, err := o.networkTopic(ctx, actx)
	if err != nil {
		return false, err
	}
	o.send(ctx, topic, "associate_elastic_ip", map[string]any{
		"elastic_ip":  ip,
		"fixed_ip":    inst.PrivateDNSName,
		"instance_id": instanceID,
	})
	return true, nil
}

func (o *Orchestrator) DisassociateAddress(ctx context.Context, actx auth.Context, ip string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "DisassociateAddress", actx)
	defer end(&err)

	if _, err := o.address(ctx, actx, ip); err != nil {
		return false, err
	}
	topic, err := o.networkTopic(ctx, actx)
	if err != nil {
		return false, err
	}
	o.send(ctx, topic, "disassociate_elastic_ip", map[string]any{"elastic_ip": ip})
	return true, nil
}

// DescribeAddresses lists the caller's elastic addresses.
func (o *Orchestrator) DescribeAddresses(ctx context.Context, actx auth.Context, ips []string) (out []AddressView, err error) {
	ctx, end := o.begin(ctx, "DescribeAddresses", actx)
	defer end(&err)

	all, err := o.addrs.List(ctx)
	if err != nil {
		return nil, err
	}
	want := toSet(ips)
	out = []AddressView{}
	for _, addr := range all {
		if !actx.CanAccess(addr.ProjectID) {
			continue
		}
		if want != nil && !want[addr.Address] {
			continue
		}
		instanceID := addr.InstanceID
		if instanceID == "" {
			instanceID = "free"
		}
		if actx.IsAdmin {
			instanceID = fmt.Sprintf("%s (%s, %s)", instanceID, addr.UserID, addr.ProjectID)
		}
		out = append(out, AddressView{PublicIP: addr.Address, InstanceID: instanceID})
	}
	return out, nil
}
