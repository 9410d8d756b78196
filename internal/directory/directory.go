// Package directory keeps the authoritative instance records. It does no
// authorization; callers scope lookups to the requester.
package directory

import (
	"context"
	"errors"
	"iter"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
)

const setAll = "instances"

func instanceKey(id string) string { return "instance:" + id }

func ipKey(addr string) string { return "instance-ip:" + addr }

func projectSet(project string) string { return "project:" + project + ":instances" }

// Directory is safe for concurrent use.
type Directory struct {
	store  storage.Store
	logger *zap.Logger
}

func New(store storage.Store, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{store: store, logger: logger}
}

// NewInstance returns an unsaved record with a fresh id, not yet placed
// on any node.
func (d *Directory) NewInstance() *models.Instance {
	return &models.Instance{
		InstanceID: models.NewID("i"),
		NodeName:   models.Unassigned,
	}
}

func (d *Directory) Get(ctx context.Context, id string) (*models.Instance, error) {
	var inst models.Instance
	if err := storage.Get(ctx, d.store, instanceKey(id), &inst); err != nil {
		return nil, storage.AsFault(err, "instance %s not found", id)
	}
	return &inst, nil
}

// ByIP resolves the instance holding a private address.
func (d *Directory) ByIP(ctx context.Context, addr string) (*models.Instance, error) {
	var inst models.Instance
	err := d.store.View(ctx, func(r storage.Reader) error {
		var id string
		if err := r.Get(ipKey(addr), &id); err != nil {
			return err
		}
		return r.Get(instanceKey(id), &inst)
	})
	if err != nil {
		return nil, storage.AsFault(err, "no instance with address %s", addr)
	}
	return &inst, nil
}

// All yields every instance. The sequence is lazy: ids are listed when
// iteration starts and each record is fetched as it is reached.
// Records destroyed meanwhile are skipped. Ranging again re-lists.
func (d *Directory) All(ctx context.Context) iter.Seq2[*models.Instance, error] {
	return d.iterate(ctx, setAll)
}

// ByProject yields the instances of one project, lazily like All.
func (d *Directory) ByProject(ctx context.Context, project string) iter.Seq2[*models.Instance, error] {
	return d.iterate(ctx, projectSet(project))
}

func (d *Directory) iterate(ctx context.Context, set string) iter.Seq2[*models.Instance, error] {
	return func(yield func(*models.Instance, error) bool) {
		ids, err := storage.Members(ctx, d.store, set)
		if err != nil {
			yield(nil, storage.AsFault(err, "listing %s", set))
			return
		}
		for _, id := range ids {
			inst, err := d.Get(ctx, id)
			if fault.Is(err, fault.NotFound) {
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(inst, nil) {
				return
			}
		}
	}
}

// Save persists inst together with its set memberships and address
// index in one transaction.
func (d *Directory) Save(ctx context.Context, inst *models.Instance) error {
	err := d.store.Update(ctx, func(t storage.Txn) error {
		return save(t, inst)
	})
	return storage.AsFault(err, "saving instance %s", inst.InstanceID)
}

func save(t storage.Txn, inst *models.Instance) error {
	var prev models.Instance
	switch err := t.Get(instanceKey(inst.InstanceID), &prev); {
	case err == nil:
		if prev.PrivateDNSName != "" && prev.PrivateDNSName != inst.PrivateDNSName {
			if err := dropIPIndex(t, prev.PrivateDNSName, inst.InstanceID); err != nil {
				return err
			}
		}
		if prev.ProjectID != inst.ProjectID {
			if err := t.RemoveMember(projectSet(prev.ProjectID), inst.InstanceID); err != nil {
				return err
			}
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}

	if err := t.Put(instanceKey(inst.InstanceID), inst); err != nil {
		return err
	}
	if err := t.AddMember(setAll, inst.InstanceID); err != nil {
		return err
	}
	if err := t.AddMember(projectSet(inst.ProjectID), inst.InstanceID); err != nil {
		return err
	}
	if inst.PrivateDNSName != "" {
		return t.Put(ipKey(inst.PrivateDNSName), inst.InstanceID)
	}
	return nil
}

// dropIPIndex removes the address index only while it still names id.
// A released address may already index a newer instance.
func dropIPIndex(t storage.Txn, addr, id string) error {
	var owner string
	switch err := t.Get(ipKey(addr), &owner); {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	case owner != id:
		return nil
	}
	return t.Delete(ipKey(addr))
}

// Mutate applies fn to the stored record and saves the result
// atomically. fn may run more than once.
func (d *Directory) Mutate(ctx context.Context, id string, fn func(*models.Instance) error) (*models.Instance, error) {
	var out models.Instance
	err := d.store.Update(ctx, func(t storage.Txn) error {
		var inst models.Instance
		if err := t.Get(instanceKey(id), &inst); err != nil {
			return err
		}
		if err := fn(&inst); err != nil {
			return err
		}
		out = inst
		return save(t, &inst)
	})
	if err != nil {
		return nil, storage.AsFault(err, "instance %s", id)
	}
	return &out, nil
}

// Destroy removes the record and everything indexing it. Destroying a
// missing instance is not an error.
func (d *Directory) Destroy(ctx context.Context, id string) error {
	err := d.store.Update(ctx, func(t storage.Txn) error {
		var inst models.Instance
		if err := t.Get(instanceKey(id), &inst); err != nil {
			return err
		}
		if inst.PrivateDNSName != "" {
			if err := dropIPIndex(t, inst.PrivateDNSName, id); err != nil {
				return err
			}
		}
		if err := t.RemoveMember(projectSet(inst.ProjectID), id); err != nil {
			return err
		}
		if err := t.RemoveMember(setAll, id); err != nil {
			return err
		}
		return t.Delete(instanceKey(id))
	})
	if errors.Is(err, storage.ErrNotFound) {
		d.logger.Debug("destroy of missing instance", zap.String("instance_id", id))
		return nil
	}
	if err == nil {
		d.logger.Info("instance destroyed", zap.String("instance_id", id))
	}
	return storage.AsFault(err, "destroying instance %s", id)
}
