// Package postgres persists triggers, runs, attempts, projects and API keys.
// It is the source of truth for cell reloads: registry installs write here
// first and only then mutate in-memory state.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

// Store implements the persistence contracts consumed by the registry, the
// dispatcher runner and the API layer.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// storeErr wraps driver-level failures as store_unavailable so callers can
// distinguish retryable infrastructure errors from semantic ones.
func storeErr(op string, err error) error {
	return domain.WrapError(domain.ErrStoreUnavailable, op, err)
}

// isDuplicateKeyError checks for a PostgreSQL unique violation (23505).
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

// UpsertTrigger atomically creates or replaces the trigger keyed by
// (project, name), honoring the precondition against the current revision.
// The incoming trigger must already carry its id and timestamps.
func (s *Store) UpsertTrigger(ctx context.Context, t *domain.Trigger, pre domain.Precondition) (domain.UpsertEffect, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storeErr("begin upsert", err)
	}
	defer tx.Rollback()

	existing, err := scanTrigger(tx.QueryRowContext(ctx, queryGetTriggerForUpdate, t.Project, t.Name))
	if err != nil && err != sql.ErrNoRows {
		return "", storeErr("load current trigger", err)
	}

	currentEtag := ""
	if existing != nil {
		currentEtag = existing.Etag()
	}
	if err := pre.Check(currentEtag); err != nil {
		return "", err
	}

	if existing == nil {
		if err := insertTrigger(ctx, tx, t); err != nil {
			if isDuplicateKeyError(err) {
				// Lost the race against a concurrent creator.
				return "", domain.NewError(domain.ErrPreconditionFailed, "trigger already exists")
			}
			return "", storeErr("insert trigger", err)
		}
		if err := tx.Commit(); err != nil {
			return "", storeErr("commit upsert", err)
		}
		return domain.UpsertCreated, nil
	}

	if sameDefinition(existing, t) {
		// Hand the caller back the persisted identity without a write.
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
		t.UpdatedAt = existing.UpdatedAt
		t.Status = existing.Status
		t.LastRanAt = existing.LastRanAt
		return domain.UpsertNotModified, nil
	}

	// Updates preserve identity and creation time.
	t.ID = existing.ID
	t.CreatedAt = existing.CreatedAt
	if err := updateTrigger(ctx, tx, t); err != nil {
		return "", storeErr("update trigger", err)
	}
	if err := tx.Commit(); err != nil {
		return "", storeErr("commit upsert", err)
	}
	return domain.UpsertModified, nil
}

// sameDefinition compares the caller-definable surface of two triggers.
func sameDefinition(a, b *domain.Trigger) bool {
	type def struct {
		Reference   string           `json:"reference"`
		Description string           `json:"description"`
		Action      domain.Action    `json:"action"`
		Payload     *domain.Payload  `json:"payload"`
		Schedule    *domain.Schedule `json:"schedule"`
	}
	strip := func(t *domain.Trigger) def {
		d := def{
			Reference:   t.ReferenceId,
			Description: t.Description,
			Action:      t.Action,
			Payload:     t.Payload,
			Schedule:    t.Schedule.Clone(),
		}
		if d.Schedule != nil {
			// Remaining is a cursor, not part of the definition.
			if d.Schedule.Recurring != nil {
				d.Schedule.Recurring.Remaining = 0
			}
			if d.Schedule.RunAt != nil {
				d.Schedule.RunAt.Remaining = 0
			}
		}
		return d
	}
	ja, _ := json.Marshal(strip(a))
	jb, _ := json.Marshal(strip(b))
	return string(ja) == string(jb)
}

// LoadActiveTriggers returns every trigger whose status is scheduled,
// on_demand or paused. Cell filtering happens in the registry, where the
// mapping lives.
func (s *Store) LoadActiveTriggers(ctx context.Context) ([]*domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, queryLoadActiveTriggers)
	if err != nil {
		return nil, storeErr("load active triggers", err)
	}
	defer rows.Close()

	var out []*domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, storeErr("scan trigger", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate triggers", err)
	}
	return out, nil
}

// GetTrigger fetches one trigger by (project, name).
func (s *Store) GetTrigger(ctx context.Context, project ids.ProjectId, name string) (*domain.Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, project, name))
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.ErrNotFound, "trigger %q not found", name)
	}
	if err != nil {
		return nil, storeErr("get trigger", err)
	}
	return t, nil
}

// SetTriggerStatus transitions the trigger's status, returning the previous
// one. Cancelled is terminal: transitions out of it fail with invalid_status.
func (s *Store) SetTriggerStatus(ctx context.Context, id ids.TriggerId, next domain.TriggerStatus) (domain.TriggerStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storeErr("begin status update", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, queryGetTriggerStatusForUpdate, id).Scan(&current)
	if err == sql.ErrNoRows {
		return "", domain.Errorf(domain.ErrNotFound, "trigger %s not found", id)
	}
	if err != nil {
		return "", storeErr("read trigger status", err)
	}

	old := domain.TriggerStatus(current)
	if !old.CanTransitionTo(next) {
		return "", domain.Errorf(domain.ErrInvalidStatus, "cannot transition trigger from %s to %s", old, next)
	}

	if _, err := tx.ExecContext(ctx, queryUpdateTriggerStatus, string(next), time.Now().UTC(), id); err != nil {
		return "", storeErr("update trigger status", err)
	}
	if err := tx.Commit(); err != nil {
		return "", storeErr("commit status update", err)
	}
	return old, nil
}

// UpdateTriggerCursor persists the scheduling cursor after a fire:
// last_ran_at plus the schedule's remaining counter.
func (s *Store) UpdateTriggerCursor(ctx context.Context, id ids.TriggerId, lastRanAt time.Time, sched *domain.Schedule) error {
	schedJSON, err := marshalNullable(sched)
	if err != nil {
		return storeErr("encode schedule", err)
	}
	if _, err := s.db.ExecContext(ctx, queryUpdateTriggerCursor, lastRanAt, schedJSON, id); err != nil {
		return storeErr("update trigger cursor", err)
	}
	return nil
}

// DeleteTrigger hard-deletes a trigger row. Runs and attempts survive for
// audit; they reference the trigger id only.
func (s *Store) DeleteTrigger(ctx context.Context, id ids.TriggerId) error {
	res, err := s.db.ExecContext(ctx, queryDeleteTrigger, id)
	if err != nil {
		return storeErr("delete trigger", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete trigger", err)
	}
	if n == 0 {
		return domain.Errorf(domain.ErrNotFound, "trigger %s not found", id)
	}
	return nil
}

// ListTriggers pages through a project's triggers in lex id order. The
// cursor is the last id of the previous page; statuses filters when non-empty.
func (s *Store) ListTriggers(ctx context.Context, project ids.ProjectId, statuses []domain.TriggerStatus, cursor string, limit int) ([]*domain.Trigger, error) {
	statusSet := make([]string, len(statuses))
	for i, st := range statuses {
		statusSet[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, queryListTriggers, project, encodeStatusFilter(statusSet), cursor, limit)
	if err != nil {
		return nil, storeErr("list triggers", err)
	}
	defer rows.Close()

	var out []*domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, storeErr("scan trigger", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate triggers", err)
	}
	return out, nil
}

// encodeStatusFilter renders the status filter for the ANY($2) predicate;
// an empty filter matches every status.
func encodeStatusFilter(statuses []string) any {
	if len(statuses) == 0 {
		return nil
	}
	return "{" + strings.Join(statuses, ",") + "}"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*domain.Trigger, error) {
	var (
		t          domain.Trigger
		reference  sql.NullString
		desc       sql.NullString
		actionJSON []byte
		payload    []byte
		sched      []byte
		lastRanAt  sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Project, &t.Name, &reference, &desc,
		&actionJSON, &payload, &sched,
		&t.Status, &t.CreatedAt, &t.UpdatedAt, &lastRanAt,
	)
	if err != nil {
		return nil, err
	}
	t.ReferenceId = reference.String
	t.Description = desc.String
	if err := json.Unmarshal(actionJSON, &t.Action); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		t.Payload = &domain.Payload{}
		if err := json.Unmarshal(payload, t.Payload); err != nil {
			return nil, err
		}
	}
	if len(sched) > 0 {
		t.Schedule = &domain.Schedule{}
		if err := json.Unmarshal(sched, t.Schedule); err != nil {
			return nil, err
		}
	}
	if lastRanAt.Valid {
		ts := lastRanAt.Time.UTC()
		t.LastRanAt = &ts
	}
	return &t, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch x := v.(type) {
	case *domain.Payload:
		if x == nil {
			return nil, nil
		}
	case *domain.Schedule:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func insertTrigger(ctx context.Context, tx *sql.Tx, t *domain.Trigger) error {
	actionJSON, err := json.Marshal(t.Action)
	if err != nil {
		return err
	}
	payloadJSON, err := marshalNullable(t.Payload)
	if err != nil {
		return err
	}
	schedJSON, err := marshalNullable(t.Schedule)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, queryInsertTrigger,
		t.ID, t.Project, t.Name,
		nullString(t.ReferenceId), nullString(t.Description),
		actionJSON, payloadJSON, schedJSON,
		string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func updateTrigger(ctx context.Context, tx *sql.Tx, t *domain.Trigger) error {
	actionJSON, err := json.Marshal(t.Action)
	if err != nil {
		return err
	}
	payloadJSON, err := marshalNullable(t.Payload)
	if err != nil {
		return err
	}
	schedJSON, err := marshalNullable(t.Schedule)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, queryUpdateTrigger,
		nullString(t.ReferenceId), nullString(t.Description),
		actionJSON, payloadJSON, schedJSON,
		string(t.Status), t.UpdatedAt, t.ID,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
