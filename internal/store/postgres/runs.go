package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

// RecordRun appends a freshly created run.
func (s *Store) RecordRun(ctx context.Context, run *domain.Run) error {
	actionJSON, err := json.Marshal(run.Action)
	if err != nil {
		return storeErr("encode run action", err)
	}
	payloadJSON, err := marshalNullable(run.Payload)
	if err != nil {
		return storeErr("encode run payload", err)
	}
	_, err = s.db.ExecContext(ctx, queryInsertRun,
		run.ID, run.TriggerId, run.Project, run.CreatedAt,
		actionJSON, payloadJSON, string(run.Status),
		nullString(string(run.LatestAttemptId)),
	)
	if err != nil {
		return storeErr("insert run", err)
	}
	return nil
}

// UpdateRun persists the run's mutable fields: status and latest attempt.
func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx, queryUpdateRun,
		string(run.Status), nullString(string(run.LatestAttemptId)), run.ID)
	if err != nil {
		return storeErr("update run", err)
	}
	return nil
}

// GetRun fetches one run by id, scoped to the owning project.
func (s *Store) GetRun(ctx context.Context, project ids.ProjectId, id ids.RunId) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, queryGetRun, id, project))
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.ErrNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return run, nil
}

// ListRuns pages through a trigger's runs in lex id order (creation order).
func (s *Store) ListRuns(ctx context.Context, trigger ids.TriggerId, cursor string, limit int) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, queryListRuns, trigger, cursor, limit)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate runs", err)
	}
	return out, nil
}

// GetStuckRuns returns runs still attempting whose creation predates the
// threshold. The reconciler re-enqueues them after a dispatcher crash.
func (s *Store) GetStuckRuns(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, queryGetStuckRuns, olderThan, limit)
	if err != nil {
		return nil, storeErr("get stuck runs", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate runs", err)
	}
	return out, nil
}

// RecordAttempt appends an attempt row. Attempts are never updated.
func (s *Store) RecordAttempt(ctx context.Context, attempt *domain.Attempt) error {
	detailsJSON, err := json.Marshal(attempt.Details)
	if err != nil {
		return storeErr("encode attempt details", err)
	}
	_, err = s.db.ExecContext(ctx, queryInsertAttempt,
		attempt.ID, attempt.RunId, attempt.TriggerId, attempt.Project,
		attempt.AttemptNum, string(attempt.Status), detailsJSON, attempt.CreatedAt,
	)
	if err != nil {
		return storeErr("insert attempt", err)
	}
	return nil
}

// LastAttemptNum returns the highest attempt number recorded for a run,
// 0 when the run has no attempts yet.
func (s *Store) LastAttemptNum(ctx context.Context, run ids.RunId) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, queryLastAttemptNum, run).Scan(&n); err != nil {
		return 0, storeErr("last attempt num", err)
	}
	return n, nil
}

// ListAttempts returns a run's attempts ordered by attempt number.
func (s *Store) ListAttempts(ctx context.Context, run ids.RunId) ([]*domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, queryListAttempts, run)
	if err != nil {
		return nil, storeErr("list attempts", err)
	}
	defer rows.Close()

	var out []*domain.Attempt
	for rows.Next() {
		var (
			a       domain.Attempt
			details []byte
			status  string
		)
		if err := rows.Scan(&a.ID, &a.RunId, &a.TriggerId, &a.Project, &a.AttemptNum, &status, &details, &a.CreatedAt); err != nil {
			return nil, storeErr("scan attempt", err)
		}
		a.Status = domain.AttemptStatus(status)
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return nil, storeErr("decode attempt details", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate attempts", err)
	}
	return out, nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run           domain.Run
		actionJSON    []byte
		payloadJSON   []byte
		status        string
		latestAttempt sql.NullString
	)
	err := row.Scan(&run.ID, &run.TriggerId, &run.Project, &run.CreatedAt,
		&actionJSON, &payloadJSON, &status, &latestAttempt)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	run.LatestAttemptId = ids.AttemptId(latestAttempt.String)
	if err := json.Unmarshal(actionJSON, &run.Action); err != nil {
		return nil, err
	}
	if len(payloadJSON) > 0 {
		run.Payload = &domain.Payload{}
		if err := json.Unmarshal(payloadJSON, run.Payload); err != nil {
			return nil, err
		}
	}
	return &run, nil
}
