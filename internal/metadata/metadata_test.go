package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"slices"
	"testing"

	"github.com/devghori1264/aerophoenix/controlplane/internal/address"
	"github.com/devghori1264/aerophoenix/controlplane/internal/directory"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/images"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
)

type fixture struct {
	dir   *directory.Directory
	addrs *address.Registry
	imgs  *images.Registry
	asm   *Assembler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBadgerStore("")
	if err != nil {
		t.Fatalf("badger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	f := &fixture{
		dir:   directory.New(store, nil),
		addrs: address.New(store, nil),
		imgs:  images.New(store, nil),
	}
	f.asm = NewAssembler(f.dir, f.addrs, f.imgs, "zone-a")
	return f
}

func (f *fixture) launch(t *testing.T, project, ip, key, itype string) *models.Instance {
	t.Helper()
	inst := f.dir.NewInstance()
	inst.ProjectID = project
	inst.PrivateDNSName = ip
	inst.KeyName = key
	if key != "" {
		inst.KeyData = "ssh-ed25519 AAAA " + key
	}
	inst.InstanceType = itype
	inst.ImageID = "ami-1"
	inst.UserData = base64.StdEncoding.EncodeToString([]byte("#!/bin/sh\necho hi"))
	if err := f.dir.Save(context.Background(), inst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return inst
}

func TestUnknownAddressIsNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.asm.Get(context.Background(), "10.1.1.1"); !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDocumentWithoutKeyHasEmptyPublicKeys(t *testing.T) {
	f := newFixture(t)
	inst := f.launch(t, "alpha", "10.0.0.2", "", "m1.small")

	doc, err := f.asm.Get(context.Background(), "10.0.0.2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.UserData != "#!/bin/sh\necho hi" {
		t.Fatalf("user data not decoded: %q", doc.UserData)
	}
	md := doc.MetaData
	if md.InstanceID != inst.InstanceID || md.Hostname != "ip-10-0-0-2" || md.Placement.AvailabilityZone != "zone-a" {
		t.Fatalf("unexpected meta-data %+v", md)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic map[string]map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	keys, ok := generic["meta-data"]["public-keys"].(map[string]any)
	if !ok || len(keys) != 0 {
		t.Fatalf("public-keys should be an empty object, got %#v", generic["meta-data"]["public-keys"])
	}
	if _, present := generic["meta-data"]["product-codes"]; present {
		t.Fatalf("product-codes present without codes")
	}
}

func TestDocumentUsesDNSRecordKeyAndPublicAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.launch(t, "alpha", "10.0.0.2", "laptop", "m1.large")
	if err := f.addrs.SaveFixedIP(ctx, &models.FixedIP{Address: "10.0.0.2", Hostname: "web-1"}); err != nil {
		t.Fatalf("SaveFixedIP: %v", err)
	}
	if err := f.addrs.SaveElastic(ctx, &models.ElasticIP{Address: "1.2.3.4", ProjectID: "alpha", InstanceID: inst.InstanceID}); err != nil {
		t.Fatalf("SaveElastic: %v", err)
	}
	if err := f.imgs.Register(ctx, &models.Image{ImageID: "ami-1", Kind: models.ImageMachine, Location: "bucket/web.manifest.xml"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	doc, err := f.asm.Get(ctx, "10.0.0.2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	md := doc.MetaData
	if md.Hostname != "web-1" || md.PublicIPv4 != "1.2.3.4" || md.AMIManifestPath != "bucket/web.manifest.xml" {
		t.Fatalf("unexpected meta-data %+v", md)
	}
	if k := md.PublicKeys["0"]; k.Name != "laptop" || k.OpenSSHKey != inst.KeyData {
		t.Fatalf("unexpected public key %+v", k)
	}
}

func TestMPIGroupsByKeyWithinProject(t *testing.T) {
	f := newFixture(t)
	f.launch(t, "alpha", "10.0.0.2", "hpc", "m1.large")
	f.launch(t, "alpha", "10.0.0.3", "hpc", "c9.unknown")
	f.launch(t, "alpha", "10.0.0.4", "other", "m1.medium")
	f.launch(t, "alpha", "10.0.0.5", "", "m1.small")
	f.launch(t, "beta", "10.0.1.2", "hpc", "m1.xlarge")

	doc, err := f.asm.Get(context.Background(), "10.0.0.2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	hpc := slices.Clone(doc.MetaData.MPI["hpc"])
	slices.Sort(hpc)
	if !slices.Equal(hpc, []string{"10.0.0.2 slots=4", "10.0.0.3 slots=1"}) {
		t.Fatalf("hpc lines = %v", hpc)
	}
	if got := doc.MetaData.MPI["other"]; !slices.Equal(got, []string{"10.0.0.4 slots=2"}) {
		t.Fatalf("other lines = %v", got)
	}
	if len(doc.MetaData.MPI) != 2 {
		t.Fatalf("unexpected mpi keys %v", doc.MetaData.MPI)
	}
}
