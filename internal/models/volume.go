package models

// Volume statuses.
const (
	VolumeAvailable = "available"
	VolumeAttaching = "attaching"
	VolumeAttached  = "attached"
	VolumeDetaching = "detaching"
)

// Attach statuses. Detached is the resting state of an available volume.
const (
	AttachDetached  = "detached"
	AttachAttaching = "attaching"
	AttachAttached  = "attached"
	AttachDetaching = "detaching"
)

// Volume is a block device materialized by a volume node.
type Volume struct {
	VolumeID         string `json:"volume_id"`
	ProjectID        string `json:"project_id"`
	UserID           string `json:"user_id"`
	NodeName         string `json:"node_name"`
	Size             int    `json:"size"`
	AvailabilityZone string `json:"availability_zone"`
	CreateTime       string `json:"create_time"`

	Status              string `json:"status"`
	AttachStatus        string `json:"attach_status"`
	InstanceID          string `json:"instance_id,omitempty"`
	Mountpoint          string `json:"mountpoint,omitempty"`
	AttachTime          string `json:"attach_time,omitempty"`
	DeleteOnTermination bool   `json:"delete_on_termination"`
}

// Holds reports whether the volume claims the given device of an instance.
func (v *Volume) Holds(instanceID, device string) bool {
	return v.InstanceID == instanceID && v.Mountpoint == device
}
