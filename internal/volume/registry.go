// Package volume owns volume records and their attachment state machine:
//
//	available --StartAttach--> attaching --FinishAttach--> attached
//	attached  --StartDetach--> detaching --FinishDetach--> available
//
// Each transition is a single store transaction, so a check and the
// write it guards cannot interleave with another request.
package volume

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
)

const setAll = "volumes"

func volumeKey(id string) string { return "volume:" + id }

type Registry struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store storage.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger, now: time.Now}
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Volume, error) {
	var v models.Volume
	if err := storage.Get(ctx, r.store, volumeKey(id), &v); err != nil {
		return nil, storage.AsFault(err, "volume %s not found", id)
	}
	return &v, nil
}

// List returns every volume in id order.
func (r *Registry) List(ctx context.Context) ([]*models.Volume, error) {
	var out []*models.Volume
	err := r.store.View(ctx, func(rd storage.Reader) error {
		var err error
		out, err = list(rd)
		return err
	})
	if err != nil {
		return nil, storage.AsFault(err, "listing volumes")
	}
	return out, nil
}

func list(rd storage.Reader) ([]*models.Volume, error) {
	ids, err := rd.Members(setAll)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Volume, 0, len(ids))
	for _, id := range ids {
		var v models.Volume
		if err := rd.Get(volumeKey(id), &v); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

// Create stores a new available volume. An empty VolumeID is generated.
func (r *Registry) Create(ctx context.Context, v *models.Volume) error {
	if v.VolumeID == "" {
		v.VolumeID = models.NewID("vol")
	}
	v.Status = models.VolumeAvailable
	v.AttachStatus = models.AttachDetached
	v.InstanceID, v.Mountpoint, v.AttachTime = "", "", ""
	if v.CreateTime == "" {
		v.CreateTime = r.timestamp()
	}
	err := r.store.Update(ctx, func(t storage.Txn) error {
		if err := t.Put(volumeKey(v.VolumeID), v); err != nil {
			return err
		}
		return t.AddMember(setAll, v.VolumeID)
	})
	return storage.AsFault(err, "creating volume %s", v.VolumeID)
}

// Delete removes a volume record. Only available volumes can go.
func (r *Registry) Delete(ctx context.Context, id string) error {
	err := r.store.Update(ctx, func(t storage.Txn) error {
		var v models.Volume
		if err := t.Get(volumeKey(id), &v); err != nil {
			return err
		}
		if v.Status != models.VolumeAvailable {
			return fault.Conflictf("volume %s is %s", id, v.Status)
		}
		if err := t.RemoveMember(setAll, id); err != nil {
			return err
		}
		return t.Delete(volumeKey(id))
	})
	return storage.AsFault(err, "deleting volume %s", id)
}

// StartAttach reserves device on instanceID for the volume. It fails
// with Conflict when the volume is not available or when another volume
// already claims the same device of the same instance.
func (r *Registry) StartAttach(ctx context.Context, volumeID, instanceID, device string) (*models.Volume, error) {
	attachTime := r.timestamp()
	out, err := r.transition(ctx, volumeID, func(t storage.Txn, v *models.Volume) error {
		if v.Status != models.VolumeAvailable {
			return fault.Conflictf("volume %s is %s", volumeID, v.Status)
		}
		others, err := list(t)
		if err != nil {
			return err
		}
		for _, o := range others {
			if o.VolumeID != volumeID && o.Holds(instanceID, device) {
				return fault.Conflictf("device %s of %s is in use by %s", device, instanceID, o.VolumeID)
			}
		}
		v.Status = models.VolumeAttaching
		v.AttachStatus = models.AttachAttaching
		v.InstanceID = instanceID
		v.Mountpoint = device
		v.AttachTime = attachTime
		return nil
	})
	if err == nil {
		r.logger.Info("volume attaching",
			zap.String("volume_id", volumeID),
			zap.String("instance_id", instanceID),
			zap.String("device", device))
	}
	return out, err
}

// FinishAttach records the node's confirmation. Repeated confirmations
// are accepted.
func (r *Registry) FinishAttach(ctx context.Context, volumeID string) (*models.Volume, error) {
	return r.transition(ctx, volumeID, func(_ storage.Txn, v *models.Volume) error {
		switch v.Status {
		case models.VolumeAttaching, models.VolumeAttached:
			v.Status = models.VolumeAttached
			v.AttachStatus = models.AttachAttached
			return nil
		default:
			return fault.InvalidStatef("volume %s is %s, not attaching", volumeID, v.Status)
		}
	})
}

// StartDetach is legal only for an attached volume.
func (r *Registry) StartDetach(ctx context.Context, volumeID string) (*models.Volume, error) {
	return r.transition(ctx, volumeID, func(_ storage.Txn, v *models.Volume) error {
		if v.Status == models.VolumeAvailable {
			return fault.InvalidStatef("volume %s is already detached", volumeID)
		}
		if v.AttachStatus != models.AttachAttached {
			return fault.InvalidStatef("volume %s is %s", volumeID, v.AttachStatus)
		}
		v.Status = models.VolumeDetaching
		v.AttachStatus = models.AttachDetaching
		return nil
	})
}

// FinishDetach resets the volume to available from any state.
func (r *Registry) FinishDetach(ctx context.Context, volumeID string) (*models.Volume, error) {
	v, err := r.transition(ctx, volumeID, func(_ storage.Txn, v *models.Volume) error {
		v.Status = models.VolumeAvailable
		v.AttachStatus = models.AttachDetached
		v.InstanceID, v.Mountpoint, v.AttachTime = "", "", ""
		return nil
	})
	if err == nil {
		r.logger.Info("volume detached", zap.String("volume_id", volumeID))
	}
	return v, err
}

func (r *Registry) transition(ctx context.Context, volumeID string, fn func(storage.Txn, *models.Volume) error) (*models.Volume, error) {
	var out models.Volume
	err := r.store.Update(ctx, func(t storage.Txn) error {
		var v models.Volume
		if err := t.Get(volumeKey(volumeID), &v); err != nil {
			return err
		}
		if err := fn(t, &v); err != nil {
			return err
		}
		out = v
		return t.Put(volumeKey(volumeID), &v)
	})
	if err != nil {
		return nil, storage.AsFault(err, "volume %s", volumeID)
	}
	return &out, nil
}

func (r *Registry) timestamp() string {
	return r.now().UTC().Truncate(time.Second).Format(time.RFC3339)
}
