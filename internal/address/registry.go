// Package address reads the elastic and fixed address records written by
// network nodes, and the per-project network host binding.
package address

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
)

const setElastic = "elastic-ips"

func elasticKey(addr string) string { return "elastic-ip:" + addr }

func fixedKey(addr string) string { return "fixed-ip:" + addr }

func hostKey(project string) string { return "network-host:" + project }

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

func (r *Registry) Get(ctx context.Context, addr string) (*models.ElasticIP, error) {
	var ip models.ElasticIP
	if err := storage.Get(ctx, r.store, elasticKey(addr), &ip); err != nil {
		return nil, storage.AsFault(err, "address %s not found", addr)
	}
	return &ip, nil
}

// List returns every elastic address.
func (r *Registry) List(ctx context.Context) ([]*models.ElasticIP, error) {
	var out []*models.ElasticIP
	err := r.store.View(ctx, func(rd storage.Reader) error {
		addrs, err := rd.Members(setElastic)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			var ip models.ElasticIP
			if err := rd.Get(elasticKey(a), &ip); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, &ip)
		}
		return nil
	})
	if err != nil {
		return nil, storage.AsFault(err, "listing addresses")
	}
	return out, nil
}

// PublicIPForInstance returns the elastic address associated with an
// instance, or "" when there is none.
func (r *Registry) PublicIPForInstance(ctx context.Context, instanceID string) (string, error) {
	ips, err := r.List(ctx)
	if err != nil {
		return "", err
	}
	for _, ip := range ips {
		if ip.InstanceID == instanceID {
			return ip.Address, nil
		}
	}
	return "", nil
}

// SaveElastic writes an elastic address record.
func (r *Registry) SaveElastic(ctx context.Context, ip *models.ElasticIP) error {
	err := r.store.Update(ctx, func(t storage.Txn) error {
		if err := t.Put(elasticKey(ip.Address), ip); err != nil {
			return err
		}
		return t.AddMember(setElastic, ip.Address)
	})
	return storage.AsFault(err, "saving address %s", ip.Address)
}

// RemoveElastic drops an elastic address record; missing is fine.
func (r *Registry) RemoveElastic(ctx context.Context, addr string) error {
	err := r.store.Update(ctx, func(t storage.Txn) error {
		if err := t.RemoveMember(setElastic, addr); err != nil {
			return err
		}
		return t.Delete(elasticKey(addr))
	})
	return storage.AsFault(err, "removing address %s", addr)
}

// FixedIP returns the DNS record of a private address.
func (r *Registry) FixedIP(ctx context.Context, addr string) (*models.FixedIP, error) {
	var ip models.FixedIP
	if err := storage.Get(ctx, r.store, fixedKey(addr), &ip); err != nil {
		return nil, storage.AsFault(err, "fixed address %s not found", addr)
	}
	return &ip, nil
}

func (r *Registry) SaveFixedIP(ctx context.Context, ip *models.FixedIP) error {
	return storage.AsFault(storage.Put(ctx, r.store, fixedKey(ip.Address), ip), "saving fixed address %s", ip.Address)
}

// HostForProject returns the network host serving project, or NotFound
// when none is bound yet.
func (r *Registry) HostForProject(ctx context.Context, project string) (string, error) {
	var host string
	if err := storage.Get(ctx, r.store, hostKey(project), &host); err != nil {
		return "", storage.AsFault(err, "no network host for project %s", project)
	}
	return host, nil
}

// BindHost records host for project unless one is already bound, and
// returns the binding in effect. The first binding wins.
func (r *Registry) BindHost(ctx context.Context, project, host string) (string, error) {
	bound := host
	err := r.store.Update(ctx, func(t storage.Txn) error {
		var existing string
		switch err := t.Get(hostKey(project), &existing); {
		case err == nil:
			bound = existing
			return nil
		case errors.Is(err, storage.ErrNotFound):
			bound = host
			return t.Put(hostKey(project), host)
		default:
			return err
		}
	})
	if err != nil {
		return "", storage.AsFault(err, "binding network host for %s", project)
	}
	if bound != host {
		r.logger.Warn("network host already bound",
			zap.String("project_id", project),
			zap.String("bound", bound),
			zap.String("offered", host))
	}
	return bound, nil
}
