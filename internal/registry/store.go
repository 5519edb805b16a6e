// Package registry provides the durable Run Registry: the single source of
// truth for run, instance and job state shared by every controller replica.
// All mutations are transactional; state advances use conditional writes so
// that two replicas acting on the same signal cannot both win.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run registry persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun persists a run and its instances in one transaction
func (s *Store) CreateRun(run *domain.Run, instances []*domain.Instance) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, task, instance_count, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Task, run.InstanceCount, string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		_, err = tx.Exec(`
			INSERT INTO instances (run_id, instance_id, branch, workspace_path, state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			inst.RunID, inst.InstanceID, inst.Branch, inst.WorkspacePath, string(inst.State), inst.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, task, instance_count, status, created_at, archived_at
		FROM runs WHERE id = ?`, id)

	var run domain.Run
	var status string
	var archivedAt sql.NullTime
	err := row.Scan(&run.ID, &run.Task, &run.InstanceCount, &status, &run.CreatedAt, &archivedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	if archivedAt.Valid {
		t := archivedAt.Time
		run.ArchivedAt = &t
	}
	return &run, nil
}

// ListRuns returns all runs, newest first
func (s *Store) ListRuns() ([]*domain.Run, error) {
	rows, err := s.db.Query(`
		SELECT id, task, instance_count, status, created_at, archived_at
		FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var run domain.Run
		var status string
		var archivedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.Task, &run.InstanceCount, &status, &run.CreatedAt, &archivedAt); err != nil {
			return nil, err
		}
		run.Status = domain.RunStatus(status)
		if archivedAt.Valid {
			t := archivedAt.Time
			run.ArchivedAt = &t
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

const instanceColumns = `run_id, instance_id, branch, workspace_path, state, result, failure_reason, conflict_paths, review_verdict, updated_at`

// GetInstance retrieves one instance of a run
func (s *Store) GetInstance(runID string, instanceID int) (*domain.Instance, error) {
	row := s.db.QueryRow(
		`SELECT `+instanceColumns+` FROM instances WHERE run_id = ? AND instance_id = ?`,
		runID, instanceID)

	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%d", domain.ErrInstanceNotFound, runID, instanceID)
	}
	return inst, err
}

// ListInstances returns all instances of a run ordered by id
func (s *Store) ListInstances(runID string) ([]*domain.Instance, error) {
	rows, err := s.db.Query(
		`SELECT `+instanceColumns+` FROM instances WHERE run_id = ? ORDER BY instance_id`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(scan func(...any) error) (*domain.Instance, error) {
	var inst domain.Instance
	var state string
	var result, reason, conflicts, verdict sql.NullString

	err := scan(&inst.RunID, &inst.InstanceID, &inst.Branch, &inst.WorkspacePath,
		&state, &result, &reason, &conflicts, &verdict, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}

	inst.State = domain.InstanceState(state)
	if result.Valid {
		inst.Result = domain.InstanceResult(result.String)
	}
	if reason.Valid {
		inst.FailureReason = reason.String
	}
	if verdict.Valid {
		inst.ReviewVerdict = verdict.String
	}
	if conflicts.Valid && conflicts.String != "" && conflicts.String != "null" {
		if err := json.Unmarshal([]byte(conflicts.String), &inst.ConflictPaths); err != nil {
			return nil, err
		}
	}
	return &inst, nil
}

// GetOutcome returns the recorded outcome for an idempotency token, if consumed
func (s *Store) GetOutcome(token string) (*domain.SignalOutcome, bool, error) {
	row := s.db.QueryRow(`
		SELECT token, accepted, new_state FROM signal_outcomes WHERE token = ?`, token)

	var out domain.SignalOutcome
	var newState string
	err := row.Scan(&out.Token, &out.Accepted, &newState)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out.NewState = domain.InstanceState(newState)
	return &out, true, nil
}

// EnsureJob inserts a job unless a non-terminal job already exists for the
// same (instance, stage). Returns the authoritative job and whether this
// call created it. The check-then-act runs inside one transaction so
// concurrent replicas cannot create duplicates.
func (s *Store) EnsureJob(job *domain.Job) (*domain.Job, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := activeJobTx(tx, job.RunID, job.InstanceID, job.Stage)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, tx.Commit()
	}

	_, err = tx.Exec(`
		INSERT INTO jobs (id, run_id, instance_id, stage, status, token, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RunID, job.InstanceID, string(job.Stage), string(job.Status),
		job.Token, job.CreatedAt, job.TTLSeconds,
	)
	if err != nil {
		return nil, false, err
	}
	return job, true, tx.Commit()
}

func activeJobTx(tx *sql.Tx, runID string, instanceID int, stage domain.Stage) (*domain.Job, error) {
	row := tx.QueryRow(`
		SELECT id, run_id, instance_id, stage, status, token, created_at, ttl_seconds
		FROM jobs
		WHERE run_id = ? AND instance_id = ? AND stage = ? AND status IN ('pending','running')`,
		runID, instanceID, string(stage))

	var j domain.Job
	var stg, status string
	err := row.Scan(&j.ID, &j.RunID, &j.InstanceID, &stg, &status, &j.Token, &j.CreatedAt, &j.TTLSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Stage = domain.Stage(stg)
	j.Status = domain.JobStatus(status)
	return &j, nil
}

// GetJob returns a job by id, or nil when unknown
func (s *Store) GetJob(id string) (*domain.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, instance_id, stage, status, token, created_at, ttl_seconds
		FROM jobs WHERE id = ?`, id)

	var j domain.Job
	var stg, status string
	err := row.Scan(&j.ID, &j.RunID, &j.InstanceID, &stg, &status, &j.Token, &j.CreatedAt, &j.TTLSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Stage = domain.Stage(stg)
	j.Status = domain.JobStatus(status)
	return &j, nil
}

// GetJobByToken returns the job that was scheduled with the given token
func (s *Store) GetJobByToken(token string) (*domain.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, instance_id, stage, status, token, created_at, ttl_seconds
		FROM jobs WHERE token = ?`, token)

	var j domain.Job
	var stg, status string
	err := row.Scan(&j.ID, &j.RunID, &j.InstanceID, &stg, &status, &j.Token, &j.CreatedAt, &j.TTLSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Stage = domain.Stage(stg)
	j.Status = domain.JobStatus(status)
	return &j, nil
}

// UpdateJobStatus sets a job's status, stamping finished_at for terminal ones
func (s *Store) UpdateJobStatus(jobID string, status domain.JobStatus) error {
	if status.Terminal() {
		_, err := s.db.Exec(`UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?`,
			string(status), time.Now(), jobID)
		return err
	}
	_, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, string(status), jobID)
	return err
}

// ListActiveJobs returns all pending or running jobs for a run
func (s *Store) ListActiveJobs(runID string) ([]*domain.Job, error) {
	return s.queryJobs(`
		SELECT id, run_id, instance_id, stage, status, token, created_at, ttl_seconds
		FROM jobs WHERE run_id = ? AND status IN ('pending','running')`, runID)
}

// ListActiveJobsOlderThan returns non-terminal jobs created before the cutoff.
// Used by the watchdog to find stages that never signaled.
func (s *Store) ListActiveJobsOlderThan(cutoff time.Time) ([]*domain.Job, error) {
	return s.queryJobs(`
		SELECT id, run_id, instance_id, stage, status, token, created_at, ttl_seconds
		FROM jobs WHERE status IN ('pending','running') AND created_at < ?`, cutoff)
}

func (s *Store) queryJobs(query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var j domain.Job
		var stg, status string
		if err := rows.Scan(&j.ID, &j.RunID, &j.InstanceID, &stg, &status, &j.Token, &j.CreatedAt, &j.TTLSeconds); err != nil {
			return nil, err
		}
		j.Stage = domain.Stage(stg)
		j.Status = domain.JobStatus(status)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Advance describes one atomic stage transition: consume the signal token,
// move the instance from FromState to ToState, settle the signaling job and
// optionally create the next stage's job.
type Advance struct {
	RunID         string
	InstanceID    int
	Stage         domain.Stage
	Token         string
	FromState     domain.InstanceState
	ToState       domain.InstanceState
	Result        domain.InstanceResult
	FailureReason string
	ConflictPaths []string
	ReviewVerdict string
	NextJob       *domain.Job
}

// Apply performs an Advance in a single transaction. The token insert and
// the state compare-and-set guarantee that of two replicas applying the
// same transition exactly one commits; the loser gets ErrStaleState and
// should re-read the recorded outcome. When the transition makes the last
// instance terminal, the run status is settled in the same transaction and
// the final status is returned with finalized=true.
func (s *Store) Apply(adv Advance) (finalized bool, runStatus domain.RunStatus, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	now := time.Now()

	// Consume the token. A primary-key violation means another replica
	// already applied this signal.
	_, err = tx.Exec(`
		INSERT INTO signal_outcomes (token, run_id, instance_id, stage, accepted, new_state, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		adv.Token, adv.RunID, adv.InstanceID, string(adv.Stage), true, string(adv.ToState), now,
	)
	if err != nil {
		return false, "", fmt.Errorf("%w: token already consumed: %v", domain.ErrStaleState, err)
	}

	var conflictsJSON any
	if len(adv.ConflictPaths) > 0 {
		b, err := json.Marshal(adv.ConflictPaths)
		if err != nil {
			return false, "", err
		}
		conflictsJSON = string(b)
	}

	res, err := tx.Exec(`
		UPDATE instances
		SET state = ?, result = ?, failure_reason = ?, conflict_paths = ?, review_verdict = ?, updated_at = ?
		WHERE run_id = ? AND instance_id = ? AND state = ?`,
		string(adv.ToState), nullString(string(adv.Result)), nullString(adv.FailureReason),
		conflictsJSON, nullString(adv.ReviewVerdict), now,
		adv.RunID, adv.InstanceID, string(adv.FromState),
	)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n == 0 {
		return false, "", fmt.Errorf("%w: instance %s/%d not in state %s",
			domain.ErrStaleState, adv.RunID, adv.InstanceID, adv.FromState)
	}

	// Settle the job that carried this token.
	if _, err := tx.Exec(`UPDATE jobs SET status = 'done', finished_at = ? WHERE token = ? AND status IN ('pending','running')`,
		now, adv.Token); err != nil {
		return false, "", err
	}

	if adv.NextJob != nil {
		j := adv.NextJob
		res, err := tx.Exec(`
			INSERT INTO jobs (id, run_id, instance_id, stage, status, token, created_at, ttl_seconds)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM jobs
				WHERE run_id = ? AND instance_id = ? AND stage = ? AND status IN ('pending','running')
			)`,
			j.ID, j.RunID, j.InstanceID, string(j.Stage), string(j.Status), j.Token, j.CreatedAt, j.TTLSeconds,
			j.RunID, j.InstanceID, string(j.Stage),
		)
		if err != nil {
			return false, "", err
		}
		if n, err := res.RowsAffected(); err != nil {
			return false, "", err
		} else if n == 0 {
			return false, "", fmt.Errorf("%w: job for %s/%d stage %s already active",
				domain.ErrStaleState, j.RunID, j.InstanceID, j.Stage)
		}
	}

	if adv.ToState.Terminal() {
		finalized, runStatus, err = settleRunTx(tx, adv.RunID)
		if err != nil {
			return false, "", err
		}
	}

	return finalized, runStatus, tx.Commit()
}

// settleRunTx finalizes the run if every instance is terminal.
func settleRunTx(tx *sql.Tx, runID string) (bool, domain.RunStatus, error) {
	var open int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM instances
		WHERE run_id = ? AND state NOT IN ('merged','failed','failed_needs_manual')`,
		runID).Scan(&open)
	if err != nil {
		return false, "", err
	}
	if open > 0 {
		return false, "", nil
	}

	var notMerged int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM instances WHERE run_id = ? AND state != 'merged'`,
		runID).Scan(&notMerged); err != nil {
		return false, "", err
	}

	status := domain.RunComplete
	if notMerged > 0 {
		status = domain.RunPartialFailure
	}

	res, err := tx.Exec(`UPDATE runs SET status = ? WHERE id = ? AND status = 'active'`,
		string(status), runID)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	return n > 0, status, nil
}

// AbortRun fails every non-terminal instance, cancels active jobs and marks
// the run partial_failure, all in one transaction. Merged instances keep
// their result.
func (s *Store) AbortRun(runID, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE runs SET status = 'partial_failure' WHERE id = ? AND status = 'active'`, runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either unknown or already terminal; distinguish for the caller.
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return fmt.Errorf("%w: run %s already terminal", domain.ErrInvalidTransition, runID)
	}

	now := time.Now()
	_, err = tx.Exec(`
		UPDATE instances SET state = 'failed', result = 'failed', failure_reason = ?, updated_at = ?
		WHERE run_id = ? AND state NOT IN ('merged','failed','failed_needs_manual')`,
		reason, now, runID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE jobs SET status = 'cancelled', finished_at = ?
		WHERE run_id = ? AND status IN ('pending','running')`,
		now, runID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ArchiveRun stamps a terminal run as archived
func (s *Store) ArchiveRun(runID string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET archived_at = ?
		WHERE id = ? AND status != 'active' AND archived_at IS NULL`,
		time.Now(), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		run, err := s.GetRun(runID)
		if err != nil {
			return err
		}
		if run.Status == domain.RunActive {
			return fmt.Errorf("%w: run %s still active", domain.ErrInvalidTransition, runID)
		}
		return nil // already archived
	}
	return nil
}

// PurgeExpiredJobs deletes terminal jobs whose post-completion TTL elapsed.
// Mirrors the cluster reclaiming finished jobs; correctness never depends
// on these rows.
func (s *Store) PurgeExpiredJobs(now time.Time) (int64, error) {
	rows, err := s.db.Query(`
		SELECT id, finished_at, ttl_seconds FROM jobs
		WHERE status IN ('done','failed','cancelled') AND finished_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		var finishedAt time.Time
		var ttl int
		if err := rows.Scan(&id, &finishedAt, &ttl); err != nil {
			return 0, err
		}
		if finishedAt.Add(time.Duration(ttl) * time.Second).Before(now) {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var purged int64
	for _, id := range expired {
		if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
