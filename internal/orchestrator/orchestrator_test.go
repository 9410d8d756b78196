package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/controlplane/internal/address"
	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/codec"
	"github.com/devghori1264/aerophoenix/controlplane/internal/config"
	"github.com/devghori1264/aerophoenix/controlplane/internal/directory"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/images"
	"github.com/devghori1264/aerophoenix/controlplane/internal/metadata"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc"
	"github.com/devghori1264/aerophoenix/controlplane/internal/rpc/rpctest"
	"github.com/devghori1264/aerophoenix/controlplane/internal/state"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
	"github.com/devghori1264/aerophoenix/controlplane/internal/volume"
)

var (
	alice = auth.Context{UserID: "alice", ProjectID: "p1", RequestID: "req-alice"}
	bob   = auth.Context{UserID: "bob", ProjectID: "p2", RequestID: "req-bob"}
	root  = auth.Context{UserID: "root", ProjectID: "ops", IsAdmin: true, RequestID: "req-root"}
)

var launchedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type fixture struct {
	o      *Orchestrator
	gw     *rpctest.Gateway
	router *rpc.Router
	dir    *directory.Directory
	vols   *volume.Registry
	addrs  *address.Registry
	auth   *auth.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBadgerStore("")
	if err != nil {
		t.Fatalf("badger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		gw:    rpctest.New(),
		dir:   directory.New(store, nil),
		vols:  volume.New(store, nil),
		addrs: address.New(store, nil),
		auth:  auth.NewManager(store, nil, nil),
	}
	imgs := images.New(store, nil)
	for _, img := range []*models.Image{
		{ImageID: "ami-1", Kind: models.ImageMachine, Location: "bucket/ami-1.manifest.xml", OwnerProject: "p1", Public: true},
		{ImageID: "ami-private", Kind: models.ImageMachine, Location: "bucket/private.manifest.xml", OwnerProject: "p1"},
		{ImageID: "aki-11111", Kind: models.ImageKernel, Location: "bucket/kernel", OwnerProject: "ops", Public: true},
		{ImageID: "ari-11111", Kind: models.ImageRamdisk, Location: "bucket/ramdisk", OwnerProject: "ops", Public: true},
		{ImageID: "ami-cloudpipe", Kind: models.ImageMachine, Location: "bucket/vpn.manifest.xml", OwnerProject: "ops"},
	} {
		if err := imgs.Register(context.Background(), img); err != nil {
			t.Fatalf("register %s: %v", img.ImageID, err)
		}
	}

	cfg := config.DefaultCloud()
	f.o = New(cfg, Deps{
		Directory: f.dir,
		Volumes:   f.vols,
		Addresses: f.addrs,
		Images:    imgs,
		Auth:      f.auth,
		Gateway:   f.gw,
		State:     state.NewAggregator(nil, nil),
		Metadata:  metadata.NewAssembler(f.dir, f.addrs, imgs, cfg.AvailabilityZone),
		Now:       func() time.Time { return launchedAt },
	})
	f.router = f.o.Router()
	f.script(t)
	return f
}

// script answers the calls a network and a volume service would, and
// confirms node-side work the way a compute node would.
func (f *fixture) script(t *testing.T) {
	var fixed atomic.Int32
	f.gw.OnCall("set_network_host", func(string, map[string]any) (any, error) {
		return "net-1", nil
	})
	f.gw.OnCall("allocate_fixed_ip", func(_ string, args map[string]any) (any, error) {
		n := fixed.Add(1)
		return map[string]any{
			"private_dns_name": fmt.Sprintf("10.0.0.%d", n+1),
			"mac_address":      fmt.Sprintf("02:16:3e:00:00:%02x", n),
		}, nil
	})
	f.gw.OnCall("create_volume", func(_ string, args map[string]any) (any, error) {
		v := &models.Volume{
			ProjectID:        args["project_id"].(string),
			UserID:           args["user_id"].(string),
			Size:             args["size"].(int),
			NodeName:         "vol-node",
			AvailabilityZone: "nova",
		}
		if err := f.vols.Create(context.Background(), v); err != nil {
			return nil, err
		}
		return v.VolumeID, nil
	})
	f.gw.OnCall("allocate_elastic_ip", func(_ string, args map[string]any) (any, error) {
		ip := &models.ElasticIP{
			Address:   "203.0.113.10",
			ProjectID: args["project_id"].(string),
			UserID:    args["user_id"].(string),
		}
		if err := f.addrs.SaveElastic(context.Background(), ip); err != nil {
			return nil, err
		}
		return ip.Address, nil
	})
	f.gw.OnCall("get_console_output", func(_ string, args map[string]any) (any, error) {
		return map[string]any{"output": "login:", "timestamp": "2026-01-02T03:04:06Z"}, nil
	})
	f.gw.OnSend("attach_volume", func(_ string, args map[string]any) {
		f.mustDispatch(t, "volume_attached", map[string]any{"volume_id": args["volume_id"]})
	})
	f.gw.OnSend("detach_volume", func(_ string, args map[string]any) {
		f.mustDispatch(t, "volume_detached", map[string]any{"volume_id": args["volume_id"]})
	})
}

func (f *fixture) dispatch(t *testing.T, method string, args map[string]any) rpc.Reply {
	t.Helper()
	data, err := codec.Marshal(rpc.NewMessage(method, args))
	if err != nil {
		t.Fatalf("marshal %s: %v", method, err)
	}
	return f.router.Dispatch(context.Background(), data)
}

func (f *fixture) mustDispatch(t *testing.T, method string, args map[string]any) {
	t.Helper()
	if reply := f.dispatch(t, method, args); !reply.OK {
		t.Errorf("%s: %s", method, reply.Error)
	}
}

// launch runs n instances of ami-1 for actx and returns their ids.
func (f *fixture) launch(t *testing.T, actx auth.Context, n int) []string {
	t.Helper()
	res, err := f.o.RunInstances(context.Background(), actx, RunRequest{ImageID: "ami-1", MaxCount: n})
	if err != nil {
		t.Fatalf("RunInstances: %v", err)
	}
	ids := make([]string, 0, len(res.Instances))
	for _, inst := range res.Instances {
		ids = append(ids, inst.InstanceID)
	}
	return ids
}

func (f *fixture) schedule(t *testing.T, id, node string) {
	t.Helper()
	f.mustDispatch(t, "set_instance_state", map[string]any{
		"instance_id":       id,
		"node_name":         node,
		"state":             models.StateRunning,
		"state_description": "running",
	})
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n := 0
	for _, err := range f.dir.All(context.Background()) {
		if err != nil {
			t.Fatalf("listing instances: %v", err)
		}
		n++
	}
	return n
}

func TestRunInstancesBuildsOneReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.o.RunInstances(ctx, alice, RunRequest{ImageID: "ami-1", MaxCount: 3, UserData: "aGVsbG8="})
	if err != nil {
		t.Fatalf("RunInstances: %v", err)
	}
	if !strings.HasPrefix(res.ReservationID, "r-") || res.OwnerID != "p1" {
		t.Fatalf("reservation = %+v", res)
	}
	if len(res.Instances) != 3 {
		t.Fatalf("got %d instances, want 3", len(res.Instances))
	}
	for i, inst := range res.Instances {
		if inst.AMILaunchIndex != i {
			t.Fatalf("instance %d has launch index %d", i, inst.AMILaunchIndex)
		}
		if inst.LaunchTime != "2026-01-02T03:04:05Z" {
			t.Fatalf("launch time = %q", inst.LaunchTime)
		}
		if inst.PublicDNSName != inst.PrivateDNSName || inst.PrivateDNSName == "" {
			t.Fatalf("public name should fall back to the private address: %+v", inst)
		}
		stored, err := f.dir.Get(ctx, inst.InstanceID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if stored.ReservationID != res.ReservationID || stored.KernelID != "aki-11111" || stored.RamdiskID != "ari-11111" {
			t.Fatalf("stored record = %+v", stored)
		}
		if stored.NodeName != models.Unassigned || stored.InstanceType != "m1.small" {
			t.Fatalf("stored record = %+v", stored)
		}
	}

	calls := f.gw.Called("allocate_fixed_ip")
	if len(calls) != 3 {
		t.Fatalf("allocate_fixed_ip called %d times", len(calls))
	}
	for i, c := range calls {
		if c.Topic != "network.net-1" || c.Args["hostname"] != res.Instances[i].InstanceID {
			t.Fatalf("allocation call %d = %+v", i, c)
		}
	}
	runs := f.gw.Sent("run_instance")
	if len(runs) != 3 || runs[0].Topic != "compute" {
		t.Fatalf("run_instance sends = %+v", runs)
	}
}

func TestRunInstancesFailsBeforeCreatingAnything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  RunRequest
		kind fault.Kind
	}{
		{"unknown image", RunRequest{ImageID: "ami-nope", MaxCount: 1}, fault.NotFound},
		{"private image of another project", RunRequest{ImageID: "ami-private", MaxCount: 1}, fault.NotFound},
		{"unknown kernel", RunRequest{ImageID: "ami-1", KernelID: "aki-nope", MaxCount: 1}, fault.NotFound},
		{"missing key pair", RunRequest{ImageID: "ami-1", KeyName: "nope", MaxCount: 1}, fault.NotFound},
		{"zero count", RunRequest{ImageID: "ami-1"}, fault.BadRequest},
		{"count above ceiling", RunRequest{ImageID: "ami-1", MaxCount: 1000}, fault.BadRequest},
		{"bad user data", RunRequest{ImageID: "ami-1", MaxCount: 1, UserData: "%%%"}, fault.BadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.o.RunInstances(ctx, bob, tc.req)
			if !fault.Is(err, tc.kind) {
				t.Fatalf("err = %v, want %v", err, tc.kind)
			}
		})
	}
	if n := f.count(t); n != 0 {
		t.Fatalf("%d instances created by failed launches", n)
	}
	if calls := f.gw.Called("allocate_fixed_ip"); len(calls) != 0 {
		t.Fatalf("fixed addresses allocated by failed launches: %+v", calls)
	}
}

func TestRunInstancesRemoteFailureIsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.gw.OnCall("allocate_fixed_ip", func(string, map[string]any) (any, error) {
		return nil, fmt.Errorf("no addresses left")
	})
	_, err := f.o.RunInstances(context.Background(), alice, RunRequest{ImageID: "ami-1", MaxCount: 2})
	if !fault.Is(err, fault.RemoteFailure) {
		t.Fatalf("err = %v, want RemoteFailure", err)
	}
	if n := f.count(t); n != 0 {
		t.Fatalf("%d instances saved without an address", n)
	}
}

func TestNetworkHostIsBoundOnce(t *testing.T) {
	f := newFixture(t)
	f.launch(t, alice, 1)
	f.launch(t, alice, 1)
	if _, err := f.o.AllocateAddress(context.Background(), alice); err != nil {
		t.Fatalf("AllocateAddress: %v", err)
	}
	if calls := f.gw.Called("set_network_host"); len(calls) != 1 {
		t.Fatalf("set_network_host called %d times", len(calls))
	}
}

func TestRunInstancesWithKeyPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kp, err := f.o.CreateKeyPair(ctx, alice, "default")
	if err != nil {
		t.Fatalf("CreateKeyPair: %v", err)
	}
	if !strings.Contains(kp.KeyMaterial, "PRIVATE KEY") {
		t.Fatalf("private key not returned")
	}
	res, err := f.o.RunInstances(ctx, alice, RunRequest{ImageID: "ami-1", KeyName: "default", MaxCount: 1})
	if err != nil {
		t.Fatalf("RunInstances: %v", err)
	}
	stored, err := f.dir.Get(ctx, res.Instances[0].InstanceID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.HasPrefix(stored.KeyData, "ssh-ed25519 ") {
		t.Fatalf("key data = %q", stored.KeyData)
	}
}

func TestTerminateUnscheduledInstanceDestroysRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.launch(t, alice, 1)

	ok, err := f.o.TerminateInstances(ctx, alice, []string{ids[0], "i-00000000000000000"})
	if err != nil || !ok {
		t.Fatalf("TerminateInstances = %v, %v", ok, err)
	}
	if _, err := f.dir.Get(ctx, ids[0]); !fault.Is(err, fault.NotFound) {
		t.Fatalf("record survived: %v", err)
	}
	if sends := f.gw.Sent("terminate_instance"); len(sends) != 0 {
		t.Fatalf("unscheduled instance sent to a node: %+v", sends)
	}
	deallocs := f.gw.Sent("deallocate_fixed_ip")
	if len(deallocs) != 1 || deallocs[0].Args["fixed_ip"] != "10.0.0.2" {
		t.Fatalf("deallocate_fixed_ip sends = %+v", deallocs)
	}
}

func TestTerminateScheduledInstanceGoesThroughNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.launch(t, alice, 1)
	f.schedule(t, ids[0], "node-a")

	ip, err := f.o.AllocateAddress(ctx, alice)
	if err != nil {
		t.Fatalf("AllocateAddress: %v", err)
	}
	f.mustDispatch(t, "elastic_ip_updated", map[string]any{
		"address": ip, "project_id": "p1", "user_id": "alice", "instance_id": ids[0],
	})

	if _, err := f.o.TerminateInstances(ctx, alice, ids); err != nil {
		t.Fatalf("TerminateInstances: %v", err)
	}
	terms := f.gw.Sent("terminate_instance")
	if len(terms) != 1 || terms[0].Topic != "compute.node-a" {
		t.Fatalf("terminate_instance sends = %+v", terms)
	}
	if d := f.gw.Sent("disassociate_elastic_ip"); len(d) != 1 || d[0].Args["elastic_ip"] != ip {
		t.Fatalf("disassociate sends = %+v", d)
	}
	if _, err := f.dir.Get(ctx, ids[0]); err != nil {
		t.Fatalf("record removed before the node confirmed: %v", err)
	}

	f.mustDispatch(t, "instance_terminated", map[string]any{"instance_id": ids[0]})
	if _, err := f.dir.Get(ctx, ids[0]); !fault.Is(err, fault.NotFound) {
		t.Fatalf("record survived confirmation: %v", err)
	}
}

func TestRebootAndConsole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.launch(t, alice, 2)

	if _, err := f.o.RebootInstances(ctx, alice, ids[:1]); !fault.Is(err, fault.InvalidState) {
		t.Fatalf("reboot of unscheduled instance: %v", err)
	}
	if _, err := f.o.GetConsoleOutput(ctx, alice, ids[0]); !fault.Is(err, fault.InvalidState) {
		t.Fatalf("console of unscheduled instance: %v", err)
	}
	vol, err := f.o.CreateVolume(ctx, alice, 1)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if _, err := f.o.AttachVolume(ctx, alice, vol.VolumeID, ids[0], "/dev/vdb"); !fault.Is(err, fault.InvalidState) {
		t.Fatalf("attach to unscheduled instance: %v", err)
	}
	if got, _ := f.vols.Get(ctx, vol.VolumeID); got.Status != models.VolumeAvailable {
		t.Fatalf("volume left %s", got.Status)
	}
	if len(f.gw.Sent("reboot_instance")) != 0 || len(f.gw.Called("get_console_output")) != 0 || len(f.gw.Sent("attach_volume")) != 0 {
		t.Fatalf("unscheduled instance reached the bus")
	}
	f.schedule(t, ids[0], "node-a")
	f.schedule(t, ids[1], "node-b")

	if _, err := f.o.RebootInstances(ctx, alice, []string{ids[0], "i-00000000000000000", ids[1]}); !fault.Is(err, fault.NotFound) {
		t.Fatalf("reboot with a missing id: %v", err)
	}
	if reboots := f.gw.Sent("reboot_instance"); len(reboots) != 1 || reboots[0].Topic != "compute.node-a" {
		t.Fatalf("reboot sends = %+v", reboots)
	}

	out, err := f.o.GetConsoleOutput(ctx, alice, ids[1])
	if err != nil {
		t.Fatalf("GetConsoleOutput: %v", err)
	}
	if out.Output != "login:" || out.InstanceID != ids[1] {
		t.Fatalf("console = %+v", out)
	}
	if _, err := f.o.GetConsoleOutput(ctx, bob, ids[1]); !fault.Is(err, fault.NotFound) {
		t.Fatalf("console of another project: %v", err)
	}
}

func TestDescribeInstancesScopesAndHidesVPN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launch(t, alice, 2)
	f.launch(t, bob, 1)

	vpnAdmin := auth.Context{UserID: "root", ProjectID: "p1", IsAdmin: true, RequestID: "req-vpn"}
	if _, err := f.o.RunInstances(ctx, vpnAdmin, RunRequest{ImageID: "ami-cloudpipe", MaxCount: 1}); err != nil {
		t.Fatalf("launching vpn image: %v", err)
	}

	res, err := f.o.DescribeInstances(ctx, alice)
	if err != nil {
		t.Fatalf("DescribeInstances: %v", err)
	}
	if len(res) != 1 || len(res[0].Instances) != 2 {
		t.Fatalf("alice sees %+v", res)
	}
	for _, inst := range res[0].Instances {
		if inst.ImageID == "ami-cloudpipe" {
			t.Fatalf("non-admin sees the vpn instance")
		}
	}

	all, err := f.o.DescribeInstances(ctx, root)
	if err != nil {
		t.Fatalf("DescribeInstances: %v", err)
	}
	var total, vpn int
	for _, r := range all {
		for _, inst := range r.Instances {
			total++
			if inst.ImageID == "ami-cloudpipe" {
				vpn++
			}
			if !strings.Contains(inst.KeyName, "(") {
				t.Fatalf("admin key name not annotated: %q", inst.KeyName)
			}
		}
	}
	if total != 4 || vpn != 1 {
		t.Fatalf("admin sees %d instances, %d vpn", total, vpn)
	}
}

func TestVolumeAttachDetachScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.launch(t, alice, 1)[0]
	f.schedule(t, inst, "node-a")

	v1, err := f.o.CreateVolume(ctx, alice, 10)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	v2, err := f.o.CreateVolume(ctx, alice, 10)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if len(v1.AttachmentSet) != 1 || v1.AttachmentSet[0] != (Attachment{}) {
		t.Fatalf("fresh volume attachment set = %+v", v1.AttachmentSet)
	}

	att, err := f.o.AttachVolume(ctx, alice, v1.VolumeID, inst, "/dev/sdb")
	if err != nil {
		t.Fatalf("AttachVolume: %v", err)
	}
	if att.Status != models.AttachAttaching || att.RequestID != "req-alice" {
		t.Fatalf("attach result = %+v", att)
	}
	if sends := f.gw.Sent("attach_volume"); len(sends) != 1 || sends[0].Topic != "compute.node-a" {
		t.Fatalf("attach_volume sends = %+v", sends)
	}
	got, _ := f.vols.Get(ctx, v1.VolumeID)
	if got.Status != models.VolumeAttached {
		t.Fatalf("confirmation not applied: %+v", got)
	}

	if _, err := f.o.AttachVolume(ctx, alice, v2.VolumeID, inst, "/dev/sdb"); !fault.Is(err, fault.Conflict) {
		t.Fatalf("second attach on the same device: %v", err)
	}
	got, _ = f.vols.Get(ctx, v2.VolumeID)
	if got.Status != models.VolumeAvailable || got.InstanceID != "" {
		t.Fatalf("rejected attach changed the volume: %+v", got)
	}

	views, err := f.o.DescribeVolumes(ctx, alice, []string{v1.VolumeID})
	if err != nil {
		t.Fatalf("DescribeVolumes: %v", err)
	}
	if len(views) != 1 || views[0].AttachmentSet[0].Device != "/dev/sdb" {
		t.Fatalf("attached view = %+v", views)
	}

	if _, err := f.o.DetachVolume(ctx, alice, v1.VolumeID); err != nil {
		t.Fatalf("DetachVolume: %v", err)
	}
	got, _ = f.vols.Get(ctx, v1.VolumeID)
	if got.Status != models.VolumeAvailable || got.InstanceID != "" || got.Mountpoint != "" {
		t.Fatalf("detach not reconciled: %+v", got)
	}
	if _, err := f.o.AttachVolume(ctx, alice, v2.VolumeID, inst, "/dev/sdb"); err != nil {
		t.Fatalf("attach after detach: %v", err)
	}
}

func TestDetachVolumeOfVanishedInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.launch(t, alice, 1)[0]
	f.schedule(t, inst, "node-a")
	vol, err := f.o.CreateVolume(ctx, alice, 5)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if _, err := f.o.AttachVolume(ctx, alice, vol.VolumeID, inst, "/dev/vdb"); err != nil {
		t.Fatalf("AttachVolume: %v", err)
	}
	if err := f.dir.Destroy(ctx, inst); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	res, err := f.o.DetachVolume(ctx, alice, vol.VolumeID)
	if err != nil {
		t.Fatalf("DetachVolume: %v", err)
	}
	if res.Status != models.AttachDetached {
		t.Fatalf("detach result = %+v", res)
	}
	if sends := f.gw.Sent("detach_volume"); len(sends) != 0 {
		t.Fatalf("detach sent for a missing instance: %+v", sends)
	}
	if _, err := f.o.DetachVolume(ctx, alice, vol.VolumeID); !fault.Is(err, fault.InvalidState) {
		t.Fatalf("detaching twice: %v", err)
	}
}

func TestDeleteVolume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.launch(t, alice, 1)[0]
	f.schedule(t, inst, "node-a")
	vol, err := f.o.CreateVolume(ctx, alice, 1)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if _, err := f.o.DeleteVolume(ctx, bob, vol.VolumeID); !fault.Is(err, fault.NotFound) {
		t.Fatalf("delete from another project: %v", err)
	}
	if _, err := f.o.AttachVolume(ctx, alice, vol.VolumeID, inst, "/dev/sdc"); err != nil {
		t.Fatalf("AttachVolume: %v", err)
	}
	if _, err := f.o.DeleteVolume(ctx, alice, vol.VolumeID); !fault.Is(err, fault.Conflict) {
		t.Fatalf("delete attached volume: %v", err)
	}
	if _, err := f.o.DetachVolume(ctx, alice, vol.VolumeID); err != nil {
		t.Fatalf("DetachVolume: %v", err)
	}
	if _, err := f.o.DeleteVolume(ctx, alice, vol.VolumeID); err != nil {
		t.Fatalf("DeleteVolume: %v", err)
	}
	if sends := f.gw.Sent("delete_volume"); len(sends) != 1 || sends[0].Topic != "volume.vol-node" {
		t.Fatalf("delete_volume sends = %+v", sends)
	}
	if _, err := f.o.CreateVolume(ctx, alice, 0); !fault.Is(err, fault.BadRequest) {
		t.Fatalf("zero size volume: %v", err)
	}
}

func TestAddressLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.launch(t, alice, 1)[0]

	ip, err := f.o.AllocateAddress(ctx, alice)
	if err != nil {
		t.Fatalf("AllocateAddress: %v", err)
	}
	views, err := f.o.DescribeAddresses(ctx, alice, nil)
	if err != nil {
		t.Fatalf("DescribeAddresses: %v", err)
	}
	if len(views) != 1 || views[0].InstanceID != "free" {
		t.Fatalf("addresses = %+v", views)
	}
	if views, _ := f.o.DescribeAddresses(ctx, bob, nil); len(views) != 0 {
		t.Fatalf("bob sees %+v", views)
	}
	if views, _ := f.o.DescribeAddresses(ctx, root, nil); len(views) != 1 || views[0].InstanceID != "free (alice, p1)" {
		t.Fatalf("admin sees %+v", views)
	}

	if _, err := f.o.AssociateAddress(ctx, bob, inst, ip); !fault.Is(err, fault.NotFound) {
		t.Fatalf("associate across projects: %v", err)
	}
	if _, err := f.o.AssociateAddress(ctx, alice, inst, ip); err != nil {
		t.Fatalf("AssociateAddress: %v", err)
	}
	assoc := f.gw.Sent("associate_elastic_ip")
	if len(assoc) != 1 || assoc[0].Args["fixed_ip"] != "10.0.0.2" || assoc[0].Topic != "network.net-1" {
		t.Fatalf("associate sends = %+v", assoc)
	}
	if _, err := f.o.DisassociateAddress(ctx, alice, ip); err != nil {
		t.Fatalf("DisassociateAddress: %v", err)
	}
	if _, err := f.o.ReleaseAddress(ctx, bob, ip); !fault.Is(err, fault.NotFound) {
		t.Fatalf("release across projects: %v", err)
	}
	if _, err := f.o.ReleaseAddress(ctx, alice, ip); err != nil {
		t.Fatalf("ReleaseAddress: %v", err)
	}
	if sends := f.gw.Sent("deallocate_elastic_ip"); len(sends) != 1 {
		t.Fatalf("deallocate sends = %+v", sends)
	}
}

func TestKeyPairsHideVPNKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"default", "p1-vpn"} {
		if _, err := f.o.CreateKeyPair(ctx, alice, name); err != nil {
			t.Fatalf("CreateKeyPair %s: %v", name, err)
		}
	}
	if _, err := f.o.CreateKeyPair(ctx, alice, "default"); !fault.Is(err, fault.Conflict) {
		t.Fatalf("duplicate key pair: %v", err)
	}

	pairs, err := f.o.DescribeKeyPairs(ctx, alice, nil)
	if err != nil {
		t.Fatalf("DescribeKeyPairs: %v", err)
	}
	if len(pairs) != 1 || pairs[0].KeyName != "default" || pairs[0].KeyMaterial != "" {
		t.Fatalf("alice sees %+v", pairs)
	}
	asAdmin := alice
	asAdmin.IsAdmin = true
	if pairs, _ := f.o.DescribeKeyPairs(ctx, asAdmin, nil); len(pairs) != 2 {
		t.Fatalf("admin sees %+v", pairs)
	}

	for range 2 {
		if ok, err := f.o.DeleteKeyPair(ctx, alice, "default"); err != nil || !ok {
			t.Fatalf("DeleteKeyPair = %v, %v", ok, err)
		}
	}
}

func TestImageOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.o.RegisterImage(ctx, alice, RegisterImageRequest{ImageLocation: "bucket/x"}); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("non-admin register: %v", err)
	}
	id, err := f.o.RegisterImage(ctx, root, RegisterImageRequest{ImageLocation: "bucket/new.manifest.xml"})
	if err != nil || !strings.HasPrefix(id, "ami-") {
		t.Fatalf("RegisterImage = %q, %v", id, err)
	}

	imgs, err := f.o.DescribeImages(ctx, alice, nil)
	if err != nil {
		t.Fatalf("DescribeImages: %v", err)
	}
	for _, img := range imgs {
		if img.ImageID == "ami-cloudpipe" || img.ImageID == id {
			t.Fatalf("alice sees %s", img.ImageID)
		}
	}

	if _, err := f.o.ModifyImageAttribute(ctx, alice, "ami-private", "kernel", "add", []string{"all"}); !fault.Is(err, fault.BadRequest) {
		t.Fatalf("unsupported attribute: %v", err)
	}
	if _, err := f.o.ModifyImageAttribute(ctx, alice, "ami-private", attrLaunchPermission, "add", []string{"admins"}); !fault.Is(err, fault.BadRequest) {
		t.Fatalf("unsupported group: %v", err)
	}
	attr, err := f.o.ModifyImageAttribute(ctx, alice, "ami-private", attrLaunchPermission, "add", []string{"all"})
	if err != nil || len(attr.LaunchPermission) != 1 {
		t.Fatalf("ModifyImageAttribute = %+v, %v", attr, err)
	}
	if _, err := f.o.DescribeImageAttribute(ctx, bob, "ami-private", attrLaunchPermission); err != nil {
		t.Fatalf("public image not visible to bob: %v", err)
	}
	if _, err := f.o.ModifyImageAttribute(ctx, bob, "ami-private", attrLaunchPermission, "remove", []string{"all"}); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("bob modified alice's image: %v", err)
	}
	if _, err := f.o.DeregisterImage(ctx, alice, "ami-private"); err != nil {
		t.Fatalf("DeregisterImage: %v", err)
	}
}

func TestNodeReportsClearPendingVolumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vol, err := f.o.CreateVolume(ctx, alice, 3)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if _, err := f.o.DescribeNodes(ctx, alice, TopicVolumes); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("non-admin DescribeNodes: %v", err)
	}
	snap, err := f.o.DescribeNodes(ctx, root, TopicVolumes)
	if err != nil {
		t.Fatalf("DescribeNodes: %v", err)
	}
	if _, ok := snap.Pending[vol.VolumeID]; !ok {
		t.Fatalf("volume not pending: %+v", snap)
	}

	f.mustDispatch(t, "update_state", map[string]any{
		"topic": TopicVolumes,
		"node":  "vol-node",
		"items": map[string]any{vol.VolumeID: map[string]any{"size": 3}},
	})
	snap, _ = f.o.DescribeNodes(ctx, root, TopicVolumes)
	if len(snap.Pending) != 0 || len(snap.Nodes["vol-node"]) != 1 {
		t.Fatalf("after report: %+v", snap)
	}

	if reply := f.dispatch(t, "update_state", map[string]any{"topic": TopicVolumes}); reply.OK {
		t.Fatalf("report without node accepted")
	}
	if reply := f.dispatch(t, "no_such_method", nil); reply.OK {
		t.Fatalf("unknown method accepted")
	}
}

func TestVolumeReportedDuringCreateIsNotPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.OnCall("create_volume", func(_ string, args map[string]any) (any, error) {
		v := &models.Volume{ProjectID: args["project_id"].(string), UserID: args["user_id"].(string), Size: args["size"].(int), NodeName: "vol-node"}
		if err := f.vols.Create(context.Background(), v); err != nil {
			return nil, err
		}
		// The node reports before the reply reaches the controller.
		f.mustDispatch(t, "update_state", map[string]any{
			"topic": TopicVolumes,
			"node":  "vol-node",
			"items": map[string]any{v.VolumeID: map[string]any{"size": v.Size}},
		})
		return v.VolumeID, nil
	})

	if _, err := f.o.CreateVolume(ctx, alice, 2); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	snap, err := f.o.DescribeNodes(ctx, root, TopicVolumes)
	if err != nil {
		t.Fatalf("DescribeNodes: %v", err)
	}
	if len(snap.Pending) != 0 || len(snap.Nodes["vol-node"]) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGetMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.o.GetMetadata(ctx, "10.9.9.9"); !fault.Is(err, fault.NotFound) {
		t.Fatalf("unknown ip: %v", err)
	}
	f.launch(t, alice, 1)
	doc, err := f.o.GetMetadata(ctx, "10.0.0.2")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if doc.MetaData.PublicKeys == nil || len(doc.MetaData.PublicKeys) != 0 {
		t.Fatalf("public keys = %#v", doc.MetaData.PublicKeys)
	}
	if doc.MetaData.Hostname != "ip-10-0-0-2" || doc.MetaData.AMIManifestPath != "bucket/ami-1.manifest.xml" {
		t.Fatalf("metadata = %+v", doc.MetaData)
	}
}

func TestAdminUserManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.o.RegisterUser(ctx, alice, "carol", "Carol", "s3cret", "p1", false); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("non-admin RegisterUser: %v", err)
	}
	if _, err := f.o.RegisterUser(ctx, root, "carol", "Carol", "s3cret", "p1", false); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	actx, err := f.auth.Authorize(ctx, "carol", "p1", "s3cret", "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if actx.RequestID == "" || actx.IsAdmin {
		t.Fatalf("context = %+v", actx)
	}
	if _, err := f.auth.Authorize(ctx, "carol", "p2", "s3cret", ""); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("non-member authorized: %v", err)
	}
	if _, err := f.o.AddProjectMember(ctx, root, "p2", "carol"); err != nil {
		t.Fatalf("AddProjectMember: %v", err)
	}
	if _, err := f.auth.Authorize(ctx, "carol", "p2", "s3cret", ""); err != nil {
		t.Fatalf("member not authorized: %v", err)
	}

	members, err := f.o.DescribeProjectMembers(ctx, bob, "")
	if err != nil {
		t.Fatalf("DescribeProjectMembers: %v", err)
	}
	found := false
	for _, m := range members {
		found = found || (m.UserID == "carol" && m.Name == "Carol")
	}
	if !found {
		t.Fatalf("members of p2 = %+v", members)
	}
	if _, err := f.o.DescribeProjectMembers(ctx, alice, "p2"); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("listing another project: %v", err)
	}

	if _, err := f.o.RemoveProjectMember(ctx, bob, "p2", "carol"); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("non-admin RemoveProjectMember: %v", err)
	}
	if _, err := f.o.RemoveProjectMember(ctx, root, "p2", "carol"); err != nil {
		t.Fatalf("RemoveProjectMember: %v", err)
	}
	if _, err := f.auth.Authorize(ctx, "carol", "p2", "s3cret", ""); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("removed member still authorized: %v", err)
	}
}
