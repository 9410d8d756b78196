package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
)

func keyPairKey(user, name string) string { return "keypair:" + user + ":" + name }

func keyPairSet(user string) string { return "user:" + user + ":keypairs" }

// CreateKeyPair generates an ed25519 key pair for the user and stores its
// public half. The PEM private key is returned once and never stored.
func (m *Manager) CreateKeyPair(ctx context.Context, userID, name string) (*models.KeyPair, string, error) {
	if name == "" {
		return nil, "", fault.BadRequestf("key name is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fault.Wrap(err, fault.Internal, "generating key")
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", fault.Wrap(err, fault.Internal, "encoding public key")
	}
	block, err := ssh.MarshalPrivateKey(priv, userID+"@"+name)
	if err != nil {
		return nil, "", fault.Wrap(err, fault.Internal, "encoding private key")
	}

	kp := &models.KeyPair{
		UserID:      userID,
		Name:        name,
		PublicKey:   strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
		Fingerprint: ssh.FingerprintLegacyMD5(sshPub),
	}
	err = m.store.Update(ctx, func(t storage.Txn) error {
		var existing models.KeyPair
		switch err := t.Get(keyPairKey(userID, name), &existing); {
		case err == nil:
			return fault.Conflictf("key pair %s already exists", name)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		if err := t.Put(keyPairKey(userID, name), kp); err != nil {
			return err
		}
		return t.AddMember(keyPairSet(userID), name)
	})
	if err != nil {
		return nil, "", storage.AsFault(err, "creating key pair %s", name)
	}
	m.logger.Info("key pair created", zap.String("user_id", userID), zap.String("key_name", name))
	return kp, string(pem.EncodeToMemory(block)), nil
}

// KeyPair returns one of the user's key pairs.
func (m *Manager) KeyPair(ctx context.Context, userID, name string) (*models.KeyPair, error) {
	var kp models.KeyPair
	if err := storage.Get(ctx, m.store, keyPairKey(userID, name), &kp); err != nil {
		return nil, storage.AsFault(err, "key pair %s not found", name)
	}
	return &kp, nil
}

// KeyPairs lists the user's key pairs by name.
func (m *Manager) KeyPairs(ctx context.Context, userID string) ([]*models.KeyPair, error) {
	var out []*models.KeyPair
	err := m.store.View(ctx, func(r storage.Reader) error {
		names, err := r.Members(keyPairSet(userID))
		if err != nil {
			return err
		}
		for _, name := range names {
			var kp models.KeyPair
			if err := r.Get(keyPairKey(userID, name), &kp); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, &kp)
		}
		return nil
	})
	if err != nil {
		return nil, storage.AsFault(err, "listing key pairs of %s", userID)
	}
	return out, nil
}

// DeleteKeyPair removes a key pair; a missing one is not an error.
func (m *Manager) DeleteKeyPair(ctx context.Context, userID, name string) error {
	err := m.store.Update(ctx, func(t storage.Txn) error {
		if err := t.RemoveMember(keyPairSet(userID), name); err != nil {
			return err
		}
		return t.Delete(keyPairKey(userID, name))
	})
	return storage.AsFault(err, "deleting key pair %s", name)
}
