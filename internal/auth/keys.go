// Package auth issues and verifies project API keys. The printable key
// embeds its own id, so lookup never scans: sk_<owner>.<ULID>.<secret>.
// Only a bcrypt hash of the secret is persisted.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
	"github.com/devtari-io/cronback/internal/store/postgres"
)

const secretBytes = 24

// Store is the persistence surface for API keys.
type Store interface {
	CreateAPIKey(ctx context.Context, key *postgres.APIKey) error
	GetAPIKey(ctx context.Context, id ids.APIKeyId) (*postgres.APIKey, error)
	RevokeAPIKey(ctx context.Context, project ids.ProjectId, id ids.APIKeyId) error
}

// Authenticator verifies bearer keys and resolves them to a project.
type Authenticator struct {
	store Store
	// adminKeys are bootstrap credentials compared in constant time; they
	// authenticate as admin rather than as any single project.
	adminKeys []string
	clock     func() time.Time
}

func NewAuthenticator(store Store, adminKeys []string) *Authenticator {
	return &Authenticator{store: store, adminKeys: adminKeys, clock: time.Now}
}

// CreateKey mints a key for the project and returns its printable form.
// The secret is shown exactly once; only its hash is stored.
func (a *Authenticator) CreateKey(ctx context.Context, project ids.ProjectId, name string) (string, *postgres.APIKey, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, domain.WrapError(domain.ErrInternal, "generate key secret", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, domain.WrapError(domain.ErrInternal, "hash key secret", err)
	}

	key := &postgres.APIKey{
		ID:        ids.NewAPIKeyId(project),
		Project:   project,
		Name:      name,
		KeyHash:   string(hash),
		CreatedAt: a.clock().UTC(),
	}
	if err := a.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return string(key.ID) + "." + secret, key, nil
}

// Identity is the resolved caller of a request.
type Identity struct {
	Project ids.ProjectId
	IsAdmin bool
}

// Verify resolves a bearer token to an identity.
func (a *Authenticator) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, domain.NewError(domain.ErrValidation, "missing api key")
	}
	for _, admin := range a.adminKeys {
		if subtle.ConstantTimeCompare([]byte(admin), []byte(token)) == 1 {
			return &Identity{IsAdmin: true}, nil
		}
	}

	id, secret, err := splitKey(token)
	if err != nil {
		return nil, err
	}
	key, err := a.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Revoked {
		return nil, domain.NewError(domain.ErrNotFound, "api key revoked")
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, domain.NewError(domain.ErrNotFound, "api key not recognized")
	}
	return &Identity{Project: key.Project}, nil
}

// Revoke invalidates a key within its owning project.
func (a *Authenticator) Revoke(ctx context.Context, project ids.ProjectId, id ids.APIKeyId) error {
	return a.store.RevokeAPIKey(ctx, project, id)
}

// splitKey decomposes sk_<owner>.<ULID>.<secret> into key id and secret.
func splitKey(token string) (ids.APIKeyId, string, error) {
	idx := strings.LastIndex(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return "", "", domain.NewError(domain.ErrValidation, "malformed api key")
	}
	id := ids.APIKeyId(token[:idx])
	if !id.IsValid() {
		return "", "", domain.NewError(domain.ErrValidation, "malformed api key")
	}
	return id, token[idx+1:], nil
}
