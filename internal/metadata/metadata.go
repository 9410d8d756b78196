// Package metadata assembles the document an instance fetches about
// itself from the metadata endpoint.
package metadata

import (
	"context"
	"encoding/base64"
	"iter"
	"strconv"
	"strings"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
)

// Instances is the directory view the assembler reads.
type Instances interface {
	ByIP(ctx context.Context, addr string) (*models.Instance, error)
	ByProject(ctx context.Context, project string) iter.Seq2[*models.Instance, error]
}

// Addresses resolves DNS records and public addresses.
type Addresses interface {
	FixedIP(ctx context.Context, addr string) (*models.FixedIP, error)
	PublicIPForInstance(ctx context.Context, instanceID string) (string, error)
}

// Images resolves the manifest location of an image.
type Images interface {
	Get(ctx context.Context, id string) (*models.Image, error)
}

type Document struct {
	UserData string   `json:"user-data"`
	MetaData MetaData `json:"meta-data"`
}

type Placement struct {
	AvailabilityZone string `json:"availability-zone"`
}

type PublicKey struct {
	Name       string `json:"_name"`
	OpenSSHKey string `json:"openssh-key"`
}

type MetaData struct {
	AMIID              string               `json:"ami-id"`
	AMILaunchIndex     int                  `json:"ami-launch-index"`
	AMIManifestPath    string               `json:"ami-manifest-path"`
	BlockDeviceMapping map[string]string    `json:"block-device-mapping"`
	Hostname           string               `json:"hostname"`
	InstanceAction     string               `json:"instance-action"`
	InstanceID         string               `json:"instance-id"`
	InstanceType       string               `json:"instance-type"`
	LocalHostname      string               `json:"local-hostname"`
	LocalIPv4          string               `json:"local-ipv4"`
	KernelID           string               `json:"kernel-id"`
	Placement          Placement            `json:"placement"`
	PublicHostname     string               `json:"public-hostname"`
	PublicIPv4         string               `json:"public-ipv4"`
	PublicKeys         map[string]PublicKey `json:"public-keys"`
	RamdiskID          string               `json:"ramdisk-id"`
	ReservationID      string               `json:"reservation-id"`
	SecurityGroups     string               `json:"security-groups"`
	MPI                map[string][]string  `json:"mpi"`
	ProductCodes       []string             `json:"product-codes,omitempty"`
}

type Assembler struct {
	instances Instances
	addresses Addresses
	images    Images
	zone      string
}

func NewAssembler(instances Instances, addresses Addresses, images Images, zone string) *Assembler {
	return &Assembler{instances: instances, addresses: addresses, images: images, zone: zone}
}

// Hostname is the name used when no DNS record exists: "ip-10-0-0-2".
func Hostname(addr string) string {
	return "ip-" + strings.ReplaceAll(addr, ".", "-")
}

// Get builds the document for the instance holding ip. An unknown
// address is NotFound.
func (a *Assembler) Get(ctx context.Context, ip string) (*Document, error) {
	inst, err := a.instances.ByIP(ctx, ip)
	if err != nil {
		return nil, err
	}

	userData, err := base64.StdEncoding.DecodeString(inst.UserData)
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "user data of %s", inst.InstanceID)
	}
	mpi, err := a.mpi(ctx, inst.ProjectID)
	if err != nil {
		return nil, err
	}

	hostname := Hostname(inst.PrivateDNSName)
	if rec, err := a.addresses.FixedIP(ctx, inst.PrivateDNSName); err == nil && rec.Hostname != "" {
		hostname = rec.Hostname
	} else if err != nil && !fault.Is(err, fault.NotFound) {
		return nil, err
	}

	publicIP, err := a.addresses.PublicIPForInstance(ctx, inst.InstanceID)
	if err != nil {
		return nil, err
	}
	if publicIP == "" {
		publicIP = inst.DNSName
	}

	keys := map[string]PublicKey{}
	if inst.KeyName != "" {
		keys["0"] = PublicKey{Name: inst.KeyName, OpenSSHKey: inst.KeyData}
	}

	var manifest string
	if a.images != nil {
		if img, err := a.images.Get(ctx, inst.ImageID); err == nil {
			manifest = img.Location
		}
	}

	return &Document{
		UserData: string(userData),
		MetaData: MetaData{
			AMIID:           inst.ImageID,
			AMILaunchIndex:  inst.AMILaunchIndex,
			AMIManifestPath: manifest,
			BlockDeviceMapping: map[string]string{
				"ami":        "sda1",
				"ephemeral0": "sda2",
				"root":       "/dev/sda1",
				"swap":       "sda3",
			},
			Hostname:       hostname,
			InstanceAction: "none",
			InstanceID:     inst.InstanceID,
			InstanceType:   inst.InstanceType,
			LocalHostname:  hostname,
			LocalIPv4:      inst.PrivateDNSName,
			KernelID:       inst.KernelID,
			Placement:      Placement{AvailabilityZone: a.zone},
			PublicHostname: hostname,
			PublicIPv4:     publicIP,
			PublicKeys:     keys,
			RamdiskID:      inst.RamdiskID,
			ReservationID:  inst.ReservationID,
			SecurityGroups: inst.SecurityGroup,
			MPI:            mpi,
			ProductCodes:   inst.ProductCodes,
		},
	}, nil
}

// mpi lists, per key name in the project, one "<address> slots=<vcpus>"
// line per instance launched with that key.
func (a *Assembler) mpi(ctx context.Context, project string) (map[string][]string, error) {
	out := map[string][]string{}
	for inst, err := range a.instances.ByProject(ctx, project) {
		if err != nil {
			return nil, err
		}
		if inst.KeyName == "" {
			continue
		}
		line := inst.PrivateDNSName + " slots=" + strconv.Itoa(models.VCPUs(inst.InstanceType))
		out[inst.KeyName] = append(out[inst.KeyName], line)
	}
	return out, nil
}
