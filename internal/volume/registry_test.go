package volume

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
)

func openStores(t *testing.T) map[string]storage.Store {
	t.Helper()
	bs, err := storage.NewBadgerStore("")
	if err != nil {
		t.Fatalf("badger: %v", err)
	}
	t.Cleanup(func() { _ = bs.Close() })

	mr := miniredis.RunT(t)
	rs, err := storage.NewRedisStore(context.Background(), storage.RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })

	return map[string]storage.Store{"badger": bs, "redis": rs}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	bs, err := storage.NewBadgerStore("")
	if err != nil {
		t.Fatalf("badger: %v", err)
	}
	t.Cleanup(func() { _ = bs.Close() })
	r := New(bs, nil)
	r.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC) }
	return r
}

func mustCreate(t *testing.T, r *Registry) *models.Volume {
	t.Helper()
	v := &models.Volume{ProjectID: "alpha", UserID: "alice", NodeName: "vol-node", Size: 10}
	if err := r.Create(context.Background(), v); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return v
}

func TestAttachDetachCycle(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	v := mustCreate(t, r)

	got, err := r.StartAttach(ctx, v.VolumeID, "i-1", "/dev/vdb")
	if err != nil {
		t.Fatalf("StartAttach: %v", err)
	}
	if got.Status != models.VolumeAttaching || got.AttachTime != "2024-03-01T12:00:00Z" {
		t.Fatalf("after StartAttach: %+v", got)
	}
	if got, err = r.FinishAttach(ctx, v.VolumeID); err != nil || got.Status != models.VolumeAttached {
		t.Fatalf("FinishAttach: %+v, %v", got, err)
	}
	if got, err = r.StartDetach(ctx, v.VolumeID); err != nil || got.AttachStatus != models.AttachDetaching {
		t.Fatalf("StartDetach: %+v, %v", got, err)
	}
	got, err = r.FinishDetach(ctx, v.VolumeID)
	if err != nil {
		t.Fatalf("FinishDetach: %v", err)
	}
	if got.Status != models.VolumeAvailable || got.InstanceID != "" || got.Mountpoint != "" {
		t.Fatalf("available volume still attached: %+v", got)
	}
}

func TestStartAttachRequiresAvailable(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	v := mustCreate(t, r)

	if _, err := r.StartAttach(ctx, v.VolumeID, "i-1", "/dev/vdb"); err != nil {
		t.Fatalf("StartAttach: %v", err)
	}
	_, err := r.StartAttach(ctx, v.VolumeID, "i-2", "/dev/vdc")
	if !fault.Is(err, fault.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if _, err := r.StartAttach(ctx, "vol-missing", "i-1", "/dev/vdb"); !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStartAttachRejectsDeviceCollision(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	a := mustCreate(t, r)
	b := mustCreate(t, r)

	if _, err := r.StartAttach(ctx, a.VolumeID, "i-1", "/dev/vdb"); err != nil {
		t.Fatalf("StartAttach a: %v", err)
	}
	if _, err := r.StartAttach(ctx, b.VolumeID, "i-1", "/dev/vdb"); !fault.Is(err, fault.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	got, _ := r.Get(ctx, b.VolumeID)
	if got.Status != models.VolumeAvailable {
		t.Fatalf("rejected volume changed: %+v", got)
	}
	if _, err := r.StartAttach(ctx, b.VolumeID, "i-1", "/dev/vdc"); err != nil {
		t.Fatalf("other device should be free: %v", err)
	}
}

func TestConcurrentAttachToSameDevice(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := New(store, nil)
			const n = 4
			vols := make([]*models.Volume, n)
			for i := range vols {
				vols[i] = mustCreate(t, r)
			}

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
			)
			for _, v := range vols {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := r.StartAttach(ctx, v.VolumeID, "i-shared", "/dev/vdb")
					if err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
						return
					}
					if !fault.Is(err, fault.Conflict) {
						t.Errorf("unexpected error kind: %v", err)
					}
				}()
			}
			wg.Wait()

			if successes != 1 {
				t.Fatalf("%d attaches won the same device", successes)
			}
			all, err := r.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			holders := 0
			for _, v := range all {
				if v.Holds("i-shared", "/dev/vdb") {
					holders++
				}
			}
			if holders != 1 {
				t.Fatalf("%d volumes claim the device", holders)
			}
		})
	}
}

func TestDetachTransitions(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	v := mustCreate(t, r)

	if _, err := r.StartDetach(ctx, v.VolumeID); !fault.Is(err, fault.InvalidState) {
		t.Fatalf("detach of available volume: %v", err)
	}
	if _, err := r.StartAttach(ctx, v.VolumeID, "i-1", "/dev/vdb"); err != nil {
		t.Fatalf("StartAttach: %v", err)
	}
	if _, err := r.StartDetach(ctx, v.VolumeID); !fault.Is(err, fault.InvalidState) {
		t.Fatalf("detach of attaching volume: %v", err)
	}

	// FinishDetach resets from any state and can repeat.
	for range 2 {
		got, err := r.FinishDetach(ctx, v.VolumeID)
		if err != nil || got.Status != models.VolumeAvailable {
			t.Fatalf("FinishDetach: %+v, %v", got, err)
		}
	}
	if _, err := r.FinishAttach(ctx, v.VolumeID); !fault.Is(err, fault.InvalidState) {
		t.Fatalf("late attach confirmation accepted: %v", err)
	}
}

func TestDeleteRequiresAvailable(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	v := mustCreate(t, r)

	if _, err := r.StartAttach(ctx, v.VolumeID, "i-1", "/dev/vdb"); err != nil {
		t.Fatalf("StartAttach: %v", err)
	}
	if err := r.Delete(ctx, v.VolumeID); !fault.Is(err, fault.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if _, err := r.FinishDetach(ctx, v.VolumeID); err != nil {
		t.Fatalf("FinishDetach: %v", err)
	}
	if err := r.Delete(ctx, v.VolumeID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(ctx, v.VolumeID); !fault.Is(err, fault.NotFound) {
		t.Fatalf("deleted volume still present: %v", err)
	}
}
