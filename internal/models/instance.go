package models

// Unassigned is the node name of an instance no worker has claimed yet.
const Unassigned = "unassigned"

// Power state codes reported by worker nodes.
const (
	StateNoState  = 0
	StateRunning  = 1
	StateBlocked  = 2
	StatePaused   = 3
	StateShutdown = 4
	StateShutoff  = 5
	StateCrashed  = 6
)

// Instance is the core domain object representing a virtual machine.
// Shared between the control plane, the worker nodes and the store.
type Instance struct {
	InstanceID     string `json:"instance_id"`
	ReservationID  string `json:"reservation_id"`
	AMILaunchIndex int    `json:"ami_launch_index"`

	NodeName  string `json:"node_name"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`

	ImageID   string `json:"image_id"`
	KernelID  string `json:"kernel_id"`
	RamdiskID string `json:"ramdisk_id"`

	PrivateDNSName string `json:"private_dns_name,omitempty"`
	DNSName        string `json:"dns_name,omitempty"`
	MacAddress     string `json:"mac_address,omitempty"`
	BridgeName     string `json:"bridge_name,omitempty"`
	Hostname       string `json:"hostname,omitempty"`

	InstanceType  string   `json:"instance_type"`
	KeyName       string   `json:"key_name"`
	KeyData       string   `json:"key_data"`
	UserData      string   `json:"user_data"` // base64
	SecurityGroup string   `json:"security_group"`
	ProductCodes  []string `json:"product_codes,omitempty"`
	LaunchTime    string   `json:"launch_time"`

	State            int    `json:"state"`
	StateDescription string `json:"state_description"`
}

// Scheduled reports whether a worker node owns the instance.
func (i *Instance) Scheduled() bool {
	return i.NodeName != "" && i.NodeName != Unassigned
}

// FixedAllocation is the network service's reply to allocate_fixed_ip.
// Non-empty fields are merged into the new instance record.
type FixedAllocation struct {
	PrivateDNSName string `cbor:"private_dns_name"`
	MacAddress     string `cbor:"mac_address"`
	BridgeName     string `cbor:"bridge_name"`
}

// Apply merges the allocation into inst.
func (a FixedAllocation) Apply(inst *Instance) {
	if a.PrivateDNSName != "" {
		inst.PrivateDNSName = a.PrivateDNSName
	}
	if a.MacAddress != "" {
		inst.MacAddress = a.MacAddress
	}
	if a.BridgeName != "" {
		inst.BridgeName = a.BridgeName
	}
}

// InstanceType describes the hardware profile behind a type name.
type InstanceType struct {
	Name     string `json:"name"`
	VCPUs    int    `json:"vcpus"`
	MemoryMB int    `json:"memory_mb"`
	DiskGB   int    `json:"disk_gb"`
}

// InstanceTypes is the fixed catalogue of launchable types.
var InstanceTypes = map[string]InstanceType{
	"m1.tiny":   {Name: "m1.tiny", VCPUs: 1, MemoryMB: 512, DiskGB: 0},
	"m1.small":  {Name: "m1.small", VCPUs: 1, MemoryMB: 2048, DiskGB: 20},
	"m1.medium": {Name: "m1.medium", VCPUs: 2, MemoryMB: 4096, DiskGB: 40},
	"m1.large":  {Name: "m1.large", VCPUs: 4, MemoryMB: 8192, DiskGB: 80},
	"m1.xlarge": {Name: "m1.xlarge", VCPUs: 8, MemoryMB: 16384, DiskGB: 160},
}

// VCPUs returns the vCPU count for a type name; unknown types count as one.
func VCPUs(instanceType string) int {
	if t, ok := InstanceTypes[instanceType]; ok {
		return t.VCPUs
	}
	return 1
}
