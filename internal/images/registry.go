// Package images resolves image ids to descriptors and enforces who may
// launch, list or change them.
package images

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
)

const setAll = "images"

// StateAvailable is the state of every registered image.
const StateAvailable = "available"

func imageKey(id string) string { return "image:" + id }

type Registry struct {
	store  storage.Store
	logger *zap.Logger
}

func New(store storage.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger}
}

func visible(actx auth.Context, img *models.Image) bool {
	return img.Public || actx.CanAccess(img.OwnerProject)
}

// Get returns the descriptor without any access check.
func (r *Registry) Get(ctx context.Context, id string) (*models.Image, error) {
	var img models.Image
	if err := storage.Get(ctx, r.store, imageKey(id), &img); err != nil {
		return nil, storage.AsFault(err, "image %s not found", id)
	}
	return &img, nil
}

// Resolve returns an image the caller may use. Images the caller cannot
// see are NotFound.
func (r *Registry) Resolve(ctx context.Context, actx auth.Context, id string) (*models.Image, error) {
	img, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visible(actx, img) {
		return nil, fault.NotFoundf("image %s not found", id)
	}
	return img, nil
}

// List returns the visible images, or only the named ones when ids is
// non-empty. A named image that is not visible is NotFound.
func (r *Registry) List(ctx context.Context, actx auth.Context, ids []string) ([]*models.Image, error) {
	if len(ids) > 0 {
		out := make([]*models.Image, 0, len(ids))
		for _, id := range ids {
			img, err := r.Resolve(ctx, actx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, img)
		}
		return out, nil
	}

	var out []*models.Image
	err := r.store.View(ctx, func(rd storage.Reader) error {
		all, err := rd.Members(setAll)
		if err != nil {
			return err
		}
		for _, id := range all {
			var img models.Image
			if err := rd.Get(imageKey(id), &img); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			if visible(actx, &img) {
				out = append(out, &img)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storage.AsFault(err, "listing images")
	}
	return out, nil
}

// Register stores a new image descriptor. An empty ImageID is derived
// from the kind ("ami-", "aki-", "ari-").
func (r *Registry) Register(ctx context.Context, img *models.Image) error {
	prefix, ok := map[string]string{
		models.ImageMachine: "ami",
		models.ImageKernel:  "aki",
		models.ImageRamdisk: "ari",
	}[img.Kind]
	if !ok {
		return fault.BadRequestf("unknown image kind %q", img.Kind)
	}
	if img.Location == "" {
		return fault.BadRequestf("image location is required")
	}
	if img.ImageID == "" {
		img.ImageID = models.NewID(prefix)
	}
	img.State = StateAvailable

	err := r.store.Update(ctx, func(t storage.Txn) error {
		var existing models.Image
		switch err := t.Get(imageKey(img.ImageID), &existing); {
		case err == nil:
			return fault.Conflictf("image %s already registered", img.ImageID)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		if err := t.Put(imageKey(img.ImageID), img); err != nil {
			return err
		}
		return t.AddMember(setAll, img.ImageID)
	})
	if err != nil {
		return storage.AsFault(err, "registering image %s", img.ImageID)
	}
	r.logger.Info("image registered",
		zap.String("image_id", img.ImageID),
		zap.String("location", img.Location),
		zap.String("owner", img.OwnerProject))
	return nil
}

// Deregister removes an image. Only its owner project or an admin may.
func (r *Registry) Deregister(ctx context.Context, actx auth.Context, id string) error {
	err := r.store.Update(ctx, func(t storage.Txn) error {
		var img models.Image
		if err := t.Get(imageKey(id), &img); err != nil {
			return err
		}
		if err := checkOwner(actx, &img); err != nil {
			return err
		}
		if err := t.RemoveMember(setAll, id); err != nil {
			return err
		}
		return t.Delete(imageKey(id))
	})
	return storage.AsFault(err, "image %s not found", id)
}

// SetPublic changes the launch permission of an image for everyone.
func (r *Registry) SetPublic(ctx context.Context, actx auth.Context, id string, public bool) (*models.Image, error) {
	var out models.Image
	err := r.store.Update(ctx, func(t storage.Txn) error {
		var img models.Image
		if err := t.Get(imageKey(id), &img); err != nil {
			return err
		}
		if err := checkOwner(actx, &img); err != nil {
			return err
		}
		img.Public = public
		out = img
		return t.Put(imageKey(id), &img)
	})
	if err != nil {
		return nil, storage.AsFault(err, "image %s not found", id)
	}
	return &out, nil
}

func checkOwner(actx auth.Context, img *models.Image) error {
	if actx.CanAccess(img.OwnerProject) {
		return nil
	}
	if img.Public {
		return fault.Forbiddenf("image %s belongs to another project", img.ImageID)
	}
	return fault.NotFoundf("image %s not found", img.ImageID)
}
