package models

// User is an API principal. Admins see and act on every project.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
	// SecretHash is the bcrypt hash of the user's API secret. Users
	// without one authenticate by id alone.
	SecretHash string `json:"secret_hash,omitempty"`
}

// KeyPair is the public half of an SSH key pair registered by a user.
type KeyPair struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

// Image kinds.
const (
	ImageMachine = "machine"
	ImageKernel  = "kernel"
	ImageRamdisk = "ramdisk"
)

// Image is the descriptor resolved from the image registry.
type Image struct {
	ImageID      string `json:"image_id"`
	Kind         string `json:"kind"`
	Location     string `json:"location"`
	OwnerProject string `json:"owner_project"`
	Public       bool   `json:"public"`
	KernelID     string `json:"kernel_id,omitempty"`
	RamdiskID    string `json:"ramdisk_id,omitempty"`
	State        string `json:"state"`
}
