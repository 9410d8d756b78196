package orchestrator

// Request and response shapes of the cloud API. The same tags serve the
// JSON HTTP shim and the CBOR gRPC codec.

type RunRequest struct {
	ImageID      string `json:"image_id"`
	KernelID     string `json:"kernel_id,omitempty"`
	RamdiskID    string `json:"ramdisk_id,omitempty"`
	KeyName      string `json:"key_name,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
	// UserData is base64 encoded.
	UserData string `json:"user_data,omitempty"`
	MaxCount int    `json:"max_count"`
}

type InstanceState struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

type ProductCode struct {
	ProductCode string `json:"product_code"`
}

type InstanceView struct {
	InstanceID     string        `json:"instance_id"`
	ImageID        string        `json:"image_id"`
	State          InstanceState `json:"instance_state"`
	PublicDNSName  string        `json:"public_dns_name"`
	PrivateDNSName string        `json:"private_dns_name"`
	DNSName        string        `json:"dns_name"`
	KeyName        string        `json:"key_name"`
	ProductCodes   []ProductCode `json:"product_codes_set,omitempty"`
	InstanceType   string        `json:"instance_type"`
	LaunchTime     string        `json:"launch_time"`
	AMILaunchIndex int           `json:"ami_launch_index"`
}

type Group struct {
	GroupID string `json:"group_id"`
}

type Reservation struct {
	ReservationID string         `json:"reservation_id"`
	OwnerID       string         `json:"owner_id"`
	GroupSet      []Group        `json:"group_set,omitempty"`
	Instances     []InstanceView `json:"instances_set"`
}

type ConsoleOutput struct {
	InstanceID string `json:"instance_id"`
	Timestamp  string `json:"timestamp"`
	Output     string `json:"output"`
}

type Attachment struct {
	VolumeID            string `json:"volume_id,omitempty"`
	InstanceID          string `json:"instance_id,omitempty"`
	Device              string `json:"device,omitempty"`
	Status              string `json:"status,omitempty"`
	AttachTime          string `json:"attach_time,omitempty"`
	DeleteOnTermination bool   `json:"delete_on_termination,omitempty"`
}

type VolumeView struct {
	VolumeID         string       `json:"volume_id"`
	Status           string       `json:"status"`
	Size             int          `json:"size"`
	AvailabilityZone string       `json:"availability_zone"`
	CreateTime       string       `json:"create_time"`
	AttachmentSet    []Attachment `json:"attachment_set"`
}

// AttachmentResult answers AttachVolume and DetachVolume.
type AttachmentResult struct {
	VolumeID   string `json:"volume_id"`
	InstanceID string `json:"instance_id"`
	Device     string `json:"device"`
	Status     string `json:"status"`
	AttachTime string `json:"attach_time"`
	RequestID  string `json:"request_id"`
}

type AddressView struct {
	PublicIP   string `json:"public_ip"`
	InstanceID string `json:"instance_id"`
}

type KeyPairView struct {
	KeyName        string `json:"key_name"`
	KeyFingerprint string `json:"key_fingerprint"`
	// KeyMaterial is the private key, returned only on creation.
	KeyMaterial string `json:"key_material,omitempty"`
}

type ImageView struct {
	ImageID       string `json:"image_id"`
	ImageLocation string `json:"image_location"`
	ImageOwnerID  string `json:"image_owner_id"`
	ImageState    string `json:"image_state"`
	ImageType     string `json:"image_type"`
	IsPublic      bool   `json:"is_public"`
	KernelID      string `json:"kernel_id,omitempty"`
	RamdiskID     string `json:"ramdisk_id,omitempty"`
}

type RegisterImageRequest struct {
	ImageLocation string `json:"image_location"`
	// ImageID is optional; one is generated from the kind otherwise.
	ImageID   string `json:"image_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Public    bool   `json:"public,omitempty"`
	KernelID  string `json:"kernel_id,omitempty"`
	RamdiskID string `json:"ramdisk_id,omitempty"`
}

type LaunchPermission struct {
	Group string `json:"group"`
}

type ImageAttribute struct {
	ImageID          string             `json:"image_id"`
	LaunchPermission []LaunchPermission `json:"launch_permission"`
}

type ZoneView struct {
	ZoneName  string `json:"zone_name"`
	ZoneState string `json:"zone_state"`
}

type RegionView struct {
	RegionName string `json:"region_name"`
	RegionURL  string `json:"region_url"`
}

type UserView struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Admin  bool   `json:"admin"`
}
