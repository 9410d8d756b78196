package images

import (
	"context"
	"strings"
	"testing"

	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
)

var (
	alice = auth.Context{UserID: "alice", ProjectID: "alpha"}
	bob   = auth.Context{UserID: "bob", ProjectID: "beta"}
	admin = auth.Context{UserID: "root", ProjectID: "ops", IsAdmin: true}
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewBadgerStore("")
	if err != nil {
		t.Fatalf("badger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil)
}

func register(t *testing.T, r *Registry, owner string, public bool) *models.Image {
	t.Helper()
	img := &models.Image{Kind: models.ImageMachine, Location: "bucket/" + owner + ".img", OwnerProject: owner, Public: public}
	if err := r.Register(context.Background(), img); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return img
}

func TestRegisterValidates(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	if err := r.Register(ctx, &models.Image{Kind: "floppy", Location: "x"}); !fault.Is(err, fault.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
	if err := r.Register(ctx, &models.Image{Kind: models.ImageKernel}); !fault.Is(err, fault.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
	img := &models.Image{Kind: models.ImageKernel, Location: "k"}
	if err := r.Register(ctx, img); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !strings.HasPrefix(img.ImageID, "aki-") || img.State != StateAvailable {
		t.Fatalf("unexpected image %+v", img)
	}
	if err := r.Register(ctx, img); !fault.Is(err, fault.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestVisibility(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	private := register(t, r, "alpha", false)
	public := register(t, r, "beta", true)

	if _, err := r.Resolve(ctx, bob, private.ImageID); !fault.Is(err, fault.NotFound) {
		t.Fatalf("private image visible to other project: %v", err)
	}
	if _, err := r.Resolve(ctx, alice, public.ImageID); err != nil {
		t.Fatalf("public image hidden: %v", err)
	}

	list, err := r.List(ctx, bob, nil)
	if err != nil || len(list) != 1 || list[0].ImageID != public.ImageID {
		t.Fatalf("bob sees %v, %v", list, err)
	}
	if list, _ := r.List(ctx, admin, nil); len(list) != 2 {
		t.Fatalf("admin sees %d images", len(list))
	}
	if _, err := r.List(ctx, bob, []string{private.ImageID}); !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected NotFound for named private image, got %v", err)
	}
}

func TestOwnershipChecks(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	img := register(t, r, "alpha", true)

	if _, err := r.SetPublic(ctx, bob, img.ImageID, false); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	got, err := r.SetPublic(ctx, alice, img.ImageID, false)
	if err != nil || got.Public {
		t.Fatalf("SetPublic = %+v, %v", got, err)
	}
	if err := r.Deregister(ctx, bob, img.ImageID); !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected NotFound once private, got %v", err)
	}
	if err := r.Deregister(ctx, admin, img.ImageID); err != nil {
		t.Fatalf("admin Deregister: %v", err)
	}
	if _, err := r.Get(ctx, img.ImageID); !fault.Is(err, fault.NotFound) {
		t.Fatalf("image survived deregister: %v", err)
	}
}
