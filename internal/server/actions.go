package server

import (
	"context"
	"sort"

	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/orchestrator"
	"github.com/devghori1264/aerophoenix/controlplane/internal/state"
)

// Request shapes of actions whose arguments are not an orchestrator type.
type (
	Empty struct{}

	InstanceIDs struct {
		InstanceIDs []string `json:"instance_ids"`
	}
	InstanceRequest struct {
		InstanceID string `json:"instance_id"`
	}
	CreateVolumeRequest struct {
		Size int `json:"size"`
	}
	VolumeRequest struct {
		VolumeID string `json:"volume_id"`
	}
	VolumeIDs struct {
		VolumeIDs []string `json:"volume_ids,omitempty"`
	}
	AttachVolumeRequest struct {
		VolumeID   string `json:"volume_id"`
		InstanceID string `json:"instance_id"`
		Device     string `json:"device"`
	}
	AddressRequest struct {
		PublicIP string `json:"public_ip"`
	}
	AssociateAddressRequest struct {
		InstanceID string `json:"instance_id"`
		PublicIP   string `json:"public_ip"`
	}
	PublicIPs struct {
		PublicIPs []string `json:"public_ips,omitempty"`
	}
	KeyPairRequest struct {
		KeyName string `json:"key_name"`
	}
	KeyNames struct {
		KeyNames []string `json:"key_names,omitempty"`
	}
	ImageRequest struct {
		ImageID string `json:"image_id"`
	}
	ImageIDs struct {
		ImageIDs []string `json:"image_ids,omitempty"`
	}
	ImageAttributeRequest struct {
		ImageID   string `json:"image_id"`
		Attribute string `json:"attribute"`
	}
	ModifyImageAttributeRequest struct {
		ImageID       string   `json:"image_id"`
		Attribute     string   `json:"attribute"`
		OperationType string   `json:"operation_type"`
		UserGroups    []string `json:"user_groups"`
	}
	NodesRequest struct {
		Topic string `json:"topic,omitempty"`
	}
	RegisterUserRequest struct {
		UserID    string `json:"user_id"`
		Name      string `json:"name,omitempty"`
		Secret    string `json:"secret,omitempty"`
		ProjectID string `json:"project_id,omitempty"`
		Admin     bool   `json:"admin,omitempty"`
	}
	ProjectMemberRequest struct {
		ProjectID string `json:"project_id"`
		UserID    string `json:"user_id"`
	}
	ProjectRequest struct {
		ProjectID string `json:"project_id,omitempty"`
	}
)

// Action is one named cloud API operation with its request type bound.
type Action struct {
	Name       string
	newRequest func() any
	run        func(ctx context.Context, actx auth.Context, req any) (any, error)
}

// NewRequest returns a pointer to a zero request for decoding into.
func (a Action) NewRequest() any { return a.newRequest() }

func bind[Req, Resp any](name string, fn func(context.Context, auth.Context, *Req) (Resp, error)) Action {
	return Action{
		Name:       name,
		newRequest: func() any { return new(Req) },
		run: func(ctx context.Context, actx auth.Context, req any) (any, error) {
			return fn(ctx, actx, req.(*Req))
		},
	}
}

// Actions is the action table shared by the gRPC service and the HTTP
// API.
type Actions map[string]Action

// Names returns the action names in order.
func (t Actions) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewActions binds every operation of o.
func NewActions(o *orchestrator.Orchestrator) Actions {
	list := []Action{
		bind("RunInstances", func(ctx context.Context, actx auth.Context, r *orchestrator.RunRequest) (*orchestrator.Reservation, error) {
			return o.RunInstances(ctx, actx, *r)
		}),
		bind("TerminateInstances", func(ctx context.Context, actx auth.Context, r *InstanceIDs) (bool, error) {
			return o.TerminateInstances(ctx, actx, r.InstanceIDs)
		}),
		bind("RebootInstances", func(ctx context.Context, actx auth.Context, r *InstanceIDs) (bool, error) {
			return o.RebootInstances(ctx, actx, r.InstanceIDs)
		}),
		bind("DescribeInstances", func(ctx context.Context, actx auth.Context, _ *Empty) ([]orchestrator.Reservation, error) {
			return o.DescribeInstances(ctx, actx)
		}),
		bind("GetConsoleOutput", func(ctx context.Context, actx auth.Context, r *InstanceRequest) (*orchestrator.ConsoleOutput, error) {
			return o.GetConsoleOutput(ctx, actx, r.InstanceID)
		}),

		bind("CreateVolume", func(ctx context.Context, actx auth.Context, r *CreateVolumeRequest) (*orchestrator.VolumeView, error) {
			return o.CreateVolume(ctx, actx, r.Size)
		}),
		bind("DeleteVolume", func(ctx context.Context, actx auth.Context, r *VolumeRequest) (bool, error) {
			return o.DeleteVolume(ctx, actx, r.VolumeID)
		}),
		bind("AttachVolume", func(ctx context.Context, actx auth.Context, r *AttachVolumeRequest) (*orchestrator.AttachmentResult, error) {
			return o.AttachVolume(ctx, actx, r.VolumeID, r.InstanceID, r.Device)
		}),
		bind("DetachVolume", func(ctx context.Context, actx auth.Context, r *VolumeRequest) (*orchestrator.AttachmentResult, error) {
			return o.DetachVolume(ctx, actx, r.VolumeID)
		}),
		bind("DescribeVolumes", func(ctx context.Context, actx auth.Context, r *VolumeIDs) ([]orchestrator.VolumeView, error) {
			return o.DescribeVolumes(ctx, actx, r.VolumeIDs)
		}),

		bind("AllocateAddress", func(ctx context.Context, actx auth.Context, _ *Empty) (string, error) {
			return o.AllocateAddress(ctx, actx)
		}),
		bind("ReleaseAddress", func(ctx context.Context, actx auth.Context, r *AddressRequest) (bool, error) {
			return o.ReleaseAddress(ctx, actx, r.PublicIP)
		}),
		bind("AssociateAddress", func(ctx context.Context, actx auth.Context, r *AssociateAddressRequest) (bool, error) {
			return o.AssociateAddress(ctx, actx, r.InstanceID, r.PublicIP)
		}),
		bind("DisassociateAddress", func(ctx context.Context, actx auth.Context, r *AddressRequest) (bool, error) {
			return o.DisassociateAddress(ctx, actx, r.PublicIP)
		}),
		bind("DescribeAddresses", func(ctx context.Context, actx auth.Context, r *PublicIPs) ([]orchestrator.AddressView, error) {
			return o.DescribeAddresses(ctx, actx, r.PublicIPs)
		}),

		bind("CreateKeyPair", func(ctx context.Context, actx auth.Context, r *KeyPairRequest) (*orchestrator.KeyPairView, error) {
			return o.CreateKeyPair(ctx, actx, r.KeyName)
		}),
		bind("DeleteKeyPair", func(ctx context.Context, actx auth.Context, r *KeyPairRequest) (bool, error) {
			return o.DeleteKeyPair(ctx, actx, r.KeyName)
		}),
		bind("DescribeKeyPairs", func(ctx context.Context, actx auth.Context, r *KeyNames) ([]orchestrator.KeyPairView, error) {
			return o.DescribeKeyPairs(ctx, actx, r.KeyNames)
		}),

		bind("DescribeImages", func(ctx context.Context, actx auth.Context, r *ImageIDs) ([]orchestrator.ImageView, error) {
			return o.DescribeImages(ctx, actx, r.ImageIDs)
		}),
		bind("RegisterImage", func(ctx context.Context, actx auth.Context, r *orchestrator.RegisterImageRequest) (string, error) {
			return o.RegisterImage(ctx, actx, *r)
		}),
		bind("DeregisterImage", func(ctx context.Context, actx auth.Context, r *ImageRequest) (bool, error) {
			return o.DeregisterImage(ctx, actx, r.ImageID)
		}),
		bind("DescribeImageAttribute", func(ctx context.Context, actx auth.Context, r *ImageAttributeRequest) (*orchestrator.ImageAttribute, error) {
			return o.DescribeImageAttribute(ctx, actx, r.ImageID, r.Attribute)
		}),
		bind("ModifyImageAttribute", func(ctx context.Context, actx auth.Context, r *ModifyImageAttributeRequest) (*orchestrator.ImageAttribute, error) {
			return o.ModifyImageAttribute(ctx, actx, r.ImageID, r.Attribute, r.OperationType, r.UserGroups)
		}),

		bind("DescribeAvailabilityZones", func(ctx context.Context, actx auth.Context, _ *Empty) ([]orchestrator.ZoneView, error) {
			return o.DescribeAvailabilityZones(ctx, actx)
		}),
		bind("DescribeRegions", func(ctx context.Context, actx auth.Context, _ *Empty) ([]orchestrator.RegionView, error) {
			return o.DescribeRegions(ctx, actx)
		}),
		bind("DescribeNodes", func(ctx context.Context, actx auth.Context, r *NodesRequest) (*state.Snapshot, error) {
			return o.DescribeNodes(ctx, actx, r.Topic)
		}),
		bind("RegisterUser", func(ctx context.Context, actx auth.Context, r *RegisterUserRequest) (*orchestrator.UserView, error) {
			return o.RegisterUser(ctx, actx, r.UserID, r.Name, r.Secret, r.ProjectID, r.Admin)
		}),
		bind("AddProjectMember", func(ctx context.Context, actx auth.Context, r *ProjectMemberRequest) (bool, error) {
			return o.AddProjectMember(ctx, actx, r.ProjectID, r.UserID)
		}),
		bind("RemoveProjectMember", func(ctx context.Context, actx auth.Context, r *ProjectMemberRequest) (bool, error) {
			return o.RemoveProjectMember(ctx, actx, r.ProjectID, r.UserID)
		}),
		bind("DescribeProjectMembers", func(ctx context.Context, actx auth.Context, r *ProjectRequest) ([]orchestrator.UserView, error) {
			return o.DescribeProjectMembers(ctx, actx, r.ProjectID)
		}),
	}

	t := make(Actions, len(list))
	for _, a := range list {
		t[a.Name] = a
	}
	return t
}
