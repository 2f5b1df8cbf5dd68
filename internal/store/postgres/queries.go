package postgres

const triggerColumns = `
    id, project, name, reference_id, description,
    action, payload, schedule,
    status, created_at, updated_at, last_ran_at`

// Cancelled rows are invisible to by-name lookups: cancellation is terminal
// and frees the name for reuse, matching the partial unique index.
const queryGetTrigger = `
SELECT` + triggerColumns + `
FROM triggers
WHERE project = $1 AND name = $2 AND status <> 'cancelled'
`

const queryGetTriggerForUpdate = queryGetTrigger + `FOR UPDATE
`

const queryLoadActiveTriggers = `
SELECT` + triggerColumns + `
FROM triggers
WHERE status IN ('scheduled', 'on_demand', 'paused')
ORDER BY id
`

const queryInsertTrigger = `
INSERT INTO triggers (id, project, name, reference_id, description, action, payload, schedule, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const queryUpdateTrigger = `
UPDATE triggers
SET reference_id = $1, description = $2, action = $3, payload = $4, schedule = $5,
    status = $6, updated_at = $7
WHERE id = $8
`

const queryGetTriggerStatusForUpdate = `
SELECT status FROM triggers WHERE id = $1 FOR UPDATE
`

const queryUpdateTriggerStatus = `
UPDATE triggers SET status = $1, updated_at = $2 WHERE id = $3
`

const queryUpdateTriggerCursor = `
UPDATE triggers SET last_ran_at = $1, schedule = $2 WHERE id = $3
`

const queryDeleteTrigger = `
DELETE FROM triggers WHERE id = $1
`

const queryListTriggers = `
SELECT` + triggerColumns + `
FROM triggers
WHERE project = $1
  AND ($2::text[] IS NULL OR status = ANY($2::text[]))
  AND id > $3
ORDER BY id
LIMIT $4
`

const runColumns = `
    id, trigger_id, project, created_at, action, payload, status, latest_attempt_id`

const queryInsertRun = `
INSERT INTO runs (id, trigger_id, project, created_at, action, payload, status, latest_attempt_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryUpdateRun = `
UPDATE runs SET status = $1, latest_attempt_id = $2 WHERE id = $3
`

const queryGetRun = `
SELECT` + runColumns + `
FROM runs
WHERE id = $1 AND project = $2
`

const queryListRuns = `
SELECT` + runColumns + `
FROM runs
WHERE trigger_id = $1 AND id > $2
ORDER BY id
LIMIT $3
`

const queryGetStuckRuns = `
SELECT` + runColumns + `
FROM runs
WHERE status = 'attempting'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`

const queryInsertAttempt = `
INSERT INTO attempts (id, run_id, trigger_id, project, attempt_num, status, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryLastAttemptNum = `
SELECT COALESCE(MAX(attempt_num), 0) FROM attempts WHERE run_id = $1
`

const queryListAttempts = `
SELECT id, run_id, trigger_id, project, attempt_num, status, details, created_at
FROM attempts
WHERE run_id = $1
ORDER BY attempt_num ASC
`

const queryInsertProject = `
INSERT INTO projects (id, created_at) VALUES ($1, $2)
`

const queryDeleteProjectAttempts = `
DELETE FROM attempts WHERE project = $1
`

const queryDeleteProjectRuns = `
DELETE FROM runs WHERE project = $1
`

const queryDeleteProjectTriggers = `
DELETE FROM triggers WHERE project = $1
`

const queryDeleteProjectAPIKeys = `
DELETE FROM api_keys WHERE project = $1
`

const queryDeleteProjectRow = `
DELETE FROM projects WHERE id = $1
`

const queryInsertAPIKey = `
INSERT INTO api_keys (id, project, name, key_hash, created_at, revoked)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryGetAPIKey = `
SELECT id, project, name, key_hash, created_at, revoked
FROM api_keys
WHERE id = $1
`

const queryRevokeAPIKey = `
UPDATE api_keys SET revoked = true WHERE id = $1 AND project = $2
`
