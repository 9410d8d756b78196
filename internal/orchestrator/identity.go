package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/metadata"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/state"
)

// CreateKeyPair generates a key pair for the caller. The private key is
// only ever returned here.
func (o *Orchestrator) CreateKeyPair(ctx context.Context, actx auth.Context, name string) (out *KeyPairView, err error) {
	ctx, end := o.begin(ctx, "CreateKeyPair", actx)
	defer end(&err)

	if name == "" {
		return nil, fault.BadRequestf("key name is required")
	}
	kp, private, err := o.auth.CreateKeyPair(ctx, actx.UserID, name)
	if err != nil {
		return nil, err
	}
	return &KeyPairView{KeyName: kp.Name, KeyFingerprint: kp.Fingerprint, KeyMaterial: private}, nil
}

// DeleteKeyPair succeeds whether or not the pair exists.
func (o *Orchestrator) DeleteKeyPair(ctx context.Context, actx auth.Context, name string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "DeleteKeyPair", actx)
	defer end(&err)

	if err := o.auth.DeleteKeyPair(ctx, actx.UserID, name); err != nil {
		return false, err
	}
	return true, nil
}

// DescribeKeyPairs lists the caller's key pairs. VPN keys are visible to
// admins only.
func (o *Orchestrator) DescribeKeyPairs(ctx context.Context, actx auth.Context, names []string) (out []KeyPairView, err error) {
	ctx, end := o.begin(ctx, "DescribeKeyPairs", actx)
	defer end(&err)

	pairs, err := o.auth.KeyPairs(ctx, actx.UserID)
	if err != nil {
		return nil, err
	}
	want := toSet(names)
	out = []KeyPairView{}
	for _, kp := range pairs {
		if want != nil && !want[kp.Name] {
			continue
		}
		if !actx.IsAdmin && o.cfg.VPNKeySuffix != "" && strings.HasSuffix(kp.Name, o.cfg.VPNKeySuffix) {
			continue
		}
		out = append(out, KeyPairView{KeyName: kp.Name, KeyFingerprint: kp.Fingerprint})
	}
	return out, nil
}

func (o *Orchestrator) DescribeImages(ctx context.Context, actx auth.Context, ids []string) (out []ImageView, err error) {
	ctx, end := o.begin(ctx, "DescribeImages", actx)
	defer end(&err)

	imgs, err := o.images.List(ctx, actx, ids)
	if err != nil {
		return nil, err
	}
	out = make([]ImageView, 0, len(imgs))
	for _, img := range imgs {
		// The VPN image is launched by the system, never by users.
		if img.ImageID == o.cfg.VPNImageID && !actx.IsAdmin {
			continue
		}
		out = append(out, imageView(img))
	}
	return out, nil
}

// RegisterImage records an image descriptor owned by the caller's
// project. Admin only.
func (o *Orchestrator) RegisterImage(ctx context.Context, actx auth.Context, req RegisterImageRequest) (id string, err error) {
	ctx, end := o.begin(ctx, "RegisterImage", actx)
	defer end(&err)

	if !actx.IsAdmin {
		return "", fault.Forbiddenf("registering images requires an administrator")
	}
	img := &models.Image{
		ImageID:      req.ImageID,
		Kind:         firstNonEmpty(req.Kind, models.ImageMachine),
		Location:     req.ImageLocation,
		OwnerProject: actx.ProjectID,
		Public:       req.Public,
		KernelID:     req.KernelID,
		RamdiskID:    req.RamdiskID,
	}
	if err := o.images.Register(ctx, img); err != nil {
		return "", err
	}
	return img.ImageID, nil
}

func (o *Orchestrator) DeregisterImage(ctx context.Context, actx auth.Context, id string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "DeregisterImage", actx)
	defer end(&err)

	if err := o.images.Deregister(ctx, actx, id); err != nil {
		return false, err
	}
	return true, nil
}

const attrLaunchPermission = "launchPermission"

func (o *Orchestrator) DescribeImageAttribute(ctx context.Context, actx auth.Context, id, attribute string) (out *ImageAttribute, err error) {
	ctx, end := o.begin(ctx, "DescribeImageAttribute", actx)
	defer end(&err)

	if attribute != attrLaunchPermission {
		return nil, fault.BadRequestf("attribute %q is not supported", attribute)
	}
	img, err := o.images.Resolve(ctx, actx, id)
	if err != nil {
		return nil, err
	}
	return launchPermission(img), nil
}

// ModifyImageAttribute adds or removes the "all" group launch
// permission, making the image public or private.
func (o *Orchestrator) ModifyImageAttribute(ctx context.Context, actx auth.Context, id, attribute, operation string, groups []string) (out *ImageAttribute, err error) {
	ctx, end := o.begin(ctx, "ModifyImageAttribute", actx)
	defer end(&err)

	if attribute != attrLaunchPermission {
		return nil, fault.BadRequestf("attribute %q is not supported", attribute)
	}
	if len(groups) != 1 || groups[0] != "all" {
		return nil, fault.BadRequestf("only the group \"all\" is supported")
	}
	var public bool
	switch operation {
	case "add":
		public = true
	case "remove":
		public = false
	default:
		return nil, fault.BadRequestf("operation %q is not supported", operation)
	}
	img, err := o.images.SetPublic(ctx, actx, id, public)
	if err != nil {
		return nil, err
	}
	return launchPermission(img), nil
}

func launchPermission(img *models.Image) *ImageAttribute {
	attr := &ImageAttribute{ImageID: img.ImageID, LaunchPermission: []LaunchPermission{}}
	if img.Public {
		attr.LaunchPermission = append(attr.LaunchPermission, LaunchPermission{Group: "all"})
	}
	return attr
}

func imageView(img *models.Image) ImageView {
	return ImageView{
		ImageID:       img.ImageID,
		ImageLocation: img.Location,
		ImageOwnerID:  img.OwnerProject,
		ImageState:    img.State,
		ImageType:     img.Kind,
		IsPublic:      img.Public,
		KernelID:      img.KernelID,
		RamdiskID:     img.RamdiskID,
	}
}

func (o *Orchestrator) DescribeAvailabilityZones(ctx context.Context, actx auth.Context) (out []ZoneView, err error) {
	_, end := o.begin(ctx, "DescribeAvailabilityZones", actx)
	defer end(&err)
	return []ZoneView{{ZoneName: o.cfg.AvailabilityZone, ZoneState: "available"}}, nil
}

func (o *Orchestrator) DescribeRegions(ctx context.Context, actx auth.Context) (out []RegionView, err error) {
	_, end := o.begin(ctx, "DescribeRegions", actx)
	defer end(&err)
	return []RegionView{{RegionName: o.cfg.Region, RegionURL: o.cfg.RegionURL}}, nil
}

// DescribeNodes returns what the nodes of a topic last reported. Admin
// only.
func (o *Orchestrator) DescribeNodes(ctx context.Context, actx auth.Context, topic string) (out *state.Snapshot, err error) {
	_, end := o.begin(ctx, "DescribeNodes", actx)
	defer end(&err)

	if !actx.IsAdmin {
		return nil, fault.Forbiddenf("describing nodes requires an administrator")
	}
	if topic == "" {
		topic = TopicVolumes
	}
	snap := o.state.Snapshot(topic)
	return &snap, nil
}

// RegisterUser creates a user and makes it a member of project when one
// is given. Admin only.
func (o *Orchestrator) RegisterUser(ctx context.Context, actx auth.Context, id, name, secret, project string, admin bool) (out *UserView, err error) {
	ctx, end := o.begin(ctx, "RegisterUser", actx)
	defer end(&err)

	if !actx.IsAdmin {
		return nil, fault.Forbiddenf("registering users requires an administrator")
	}
	user, err := o.auth.CreateUser(ctx, id, name, secret, admin)
	if err != nil {
		return nil, err
	}
	if project != "" {
		if err := o.auth.AddProjectMember(ctx, project, id); err != nil {
			return nil, err
		}
	}
	return &UserView{UserID: user.ID, Name: user.Name, Admin: user.Admin}, nil
}

// AddProjectMember grants an existing user access to project. Admin only.
func (o *Orchestrator) AddProjectMember(ctx context.Context, actx auth.Context, project, userID string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "AddProjectMember", actx)
	defer end(&err)

	if !actx.IsAdmin {
		return false, fault.Forbiddenf("managing projects requires an administrator")
	}
	if project == "" {
		return false, fault.BadRequestf("project is required")
	}
	if err := o.auth.AddProjectMember(ctx, project, userID); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveProjectMember revokes a user's access to project. Admin only.
func (o *Orchestrator) RemoveProjectMember(ctx context.Context, actx auth.Context, project, userID string) (ok bool, err error) {
	ctx, end := o.begin(ctx, "RemoveProjectMember", actx)
	defer end(&err)

	if !actx.IsAdmin {
		return false, fault.Forbiddenf("managing projects requires an administrator")
	}
	if project == "" || userID == "" {
		return false, fault.BadRequestf("project and user are required")
	}
	if err := o.auth.RemoveProjectMember(ctx, project, userID); err != nil {
		return false, err
	}
	return true, nil
}

// DescribeProjectMembers lists the users of project. Members may list
// their own project; any other project needs an administrator.
func (o *Orchestrator) DescribeProjectMembers(ctx context.Context, actx auth.Context, project string) (out []UserView, err error) {
	ctx, end := o.begin(ctx, "DescribeProjectMembers", actx)
	defer end(&err)

	if project == "" {
		project = actx.ProjectID
	}
	if !actx.CanAccess(project) {
		return nil, fault.Forbiddenf("listing members of %s requires an administrator", project)
	}
	ids, err := o.auth.ProjectMembers(ctx, project)
	if err != nil {
		return nil, err
	}
	out = make([]UserView, 0, len(ids))
	for _, id := range ids {
		user, err := o.auth.GetUser(ctx, id)
		if fault.Is(err, fault.NotFound) {
			o.logger.Warn("project lists a missing user", zap.String("project_id", project), zap.String("user_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, UserView{UserID: user.ID, Name: user.Name, Admin: user.Admin})
	}
	return out, nil
}

// GetMetadata returns the document of the instance holding ip. It is
// keyed by the caller's address, not by an authorization context.
func (o *Orchestrator) GetMetadata(ctx context.Context, ip string) (out *metadata.Document, err error) {
	ctx, end := o.begin(ctx, "GetMetadata", auth.Context{})
	defer end(&err)
	return o.meta.Get(ctx, ip)
}
