package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

// CreateProject registers a project row.
func (s *Store) CreateProject(ctx context.Context, id ids.ProjectId, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, queryInsertProject, id, now); err != nil {
		if isDuplicateKeyError(err) {
			return domain.Errorf(domain.ErrPreconditionFailed, "project %s already exists", id)
		}
		return storeErr("insert project", err)
	}
	return nil
}

// DeleteProject hard-deletes every row owned by a project, in dependency
// order inside one transaction. Used for account teardown.
func (s *Store) DeleteProject(ctx context.Context, id ids.ProjectId) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin project delete", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		queryDeleteProjectAttempts,
		queryDeleteProjectRuns,
		queryDeleteProjectTriggers,
		queryDeleteProjectAPIKeys,
		queryDeleteProjectRow,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return storeErr("delete project rows", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit project delete", err)
	}
	return nil
}

// APIKey is the persisted form of an API key: the secret is stored only as
// a hash.
type APIKey struct {
	ID        ids.APIKeyId
	Project   ids.ProjectId
	Name      string
	KeyHash   string
	CreatedAt time.Time
	Revoked   bool
}

func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, queryInsertAPIKey,
		key.ID, key.Project, key.Name, key.KeyHash, key.CreatedAt, key.Revoked)
	if err != nil {
		return storeErr("insert api key", err)
	}
	return nil
}

func (s *Store) GetAPIKey(ctx context.Context, id ids.APIKeyId) (*APIKey, error) {
	var key APIKey
	err := s.db.QueryRowContext(ctx, queryGetAPIKey, id).Scan(
		&key.ID, &key.Project, &key.Name, &key.KeyHash, &key.CreatedAt, &key.Revoked)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.ErrNotFound, "api key not found")
	}
	if err != nil {
		return nil, storeErr("get api key", err)
	}
	return &key, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, project ids.ProjectId, id ids.APIKeyId) error {
	res, err := s.db.ExecContext(ctx, queryRevokeAPIKey, id, project)
	if err != nil {
		return storeErr("revoke api key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("revoke api key", err)
	}
	if n == 0 {
		return domain.NewError(domain.ErrNotFound, "api key not found")
	}
	return nil
}
