// Package auth turns request identity into an authorization Context and
// keeps users, project memberships and SSH key pairs in the store.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/models"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
)

// Context is the authorization context of one request.
type Context struct {
	UserID    string
	ProjectID string
	IsAdmin   bool
	RequestID string
}

// CanAccess reports whether the caller may see resources of project.
func (c Context) CanAccess(project string) bool {
	return c.IsAdmin || c.ProjectID == project
}

func userKey(id string) string { return "user:" + id }

func membersSet(project string) string { return "project:" + project + ":members" }

// Manager is safe for concurrent use.
type Manager struct {
	store  storage.Store
	logger *zap.Logger
	admins map[string]bool
}

// NewManager returns a manager that additionally treats the listed user
// ids as administrators.
func NewManager(store storage.Store, logger *zap.Logger, admins []string) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{store: store, logger: logger, admins: make(map[string]bool, len(admins))}
	for _, id := range admins {
		m.admins[id] = true
	}
	return m
}

// Authorize builds the context for userID acting in projectID. Unknown
// users, wrong secrets and non-members are Forbidden. An empty
// requestID is replaced by a fresh one.
func (m *Manager) Authorize(ctx context.Context, userID, projectID, secret, requestID string) (Context, error) {
	if userID == "" || projectID == "" {
		return Context{}, fault.Forbiddenf("missing user or project")
	}
	var (
		user   models.User
		member bool
	)
	err := m.store.View(ctx, func(r storage.Reader) error {
		if err := r.Get(userKey(userID), &user); err != nil {
			return err
		}
		members, err := r.Members(membersSet(projectID))
		if err != nil {
			return err
		}
		for _, id := range members {
			if id == userID {
				member = true
				break
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Context{}, fault.Forbiddenf("unknown user %s", userID)
	}
	if err != nil {
		return Context{}, storage.AsFault(err, "authorizing %s", userID)
	}

	if user.SecretHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(user.SecretHash), []byte(secret)) != nil {
			return Context{}, fault.Forbiddenf("invalid credentials for %s", userID)
		}
	}
	admin := user.Admin || m.admins[userID]
	if !admin && !member {
		return Context{}, fault.Forbiddenf("user %s is not a member of %s", userID, projectID)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return Context{UserID: userID, ProjectID: projectID, IsAdmin: admin, RequestID: requestID}, nil
}

// CreateUser registers a user. An empty secret disables the secret
// check for that user. Existing users are a Conflict.
func (m *Manager) CreateUser(ctx context.Context, id, name, secret string, admin bool) (*models.User, error) {
	if id == "" {
		return nil, fault.BadRequestf("user id is required")
	}
	user := &models.User{ID: id, Name: name, Admin: admin}
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fault.Wrap(err, fault.BadRequest, "hashing secret")
		}
		user.SecretHash = string(hash)
	}
	err := m.store.Update(ctx, func(t storage.Txn) error {
		var existing models.User
		switch err := t.Get(userKey(id), &existing); {
		case err == nil:
			return fault.Conflictf("user %s already exists", id)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		return t.Put(userKey(id), user)
	})
	if err != nil {
		return nil, storage.AsFault(err, "creating user %s", id)
	}
	m.logger.Info("user created", zap.String("user_id", id), zap.Bool("admin", admin))
	return user, nil
}

// EnsureUser creates the user unless it exists already.
func (m *Manager) EnsureUser(ctx context.Context, id, name, secret string, admin bool) error {
	_, err := m.CreateUser(ctx, id, name, secret, admin)
	if fault.Is(err, fault.Conflict) {
		return nil
	}
	return err
}

func (m *Manager) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := storage.Get(ctx, m.store, userKey(id), &user); err != nil {
		return nil, storage.AsFault(err, "user %s not found", id)
	}
	return &user, nil
}

// AddProjectMember grants userID access to project.
func (m *Manager) AddProjectMember(ctx context.Context, project, userID string) error {
	err := m.store.Update(ctx, func(t storage.Txn) error {
		var user models.User
		if err := t.Get(userKey(userID), &user); err != nil {
			return err
		}
		return t.AddMember(membersSet(project), userID)
	})
	return storage.AsFault(err, "user %s not found", userID)
}

func (m *Manager) RemoveProjectMember(ctx context.Context, project, userID string) error {
	err := m.store.Update(ctx, func(t storage.Txn) error {
		return t.RemoveMember(membersSet(project), userID)
	})
	return storage.AsFault(err, "removing %s from %s", userID, project)
}

// ProjectMembers lists the user ids of a project.
func (m *Manager) ProjectMembers(ctx context.Context, project string) ([]string, error) {
	ids, err := storage.Members(ctx, m.store, membersSet(project))
	return ids, storage.AsFault(err, "listing members of %s", project)
}
