package job

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/hbomb79/Crunch/internal/database"
)

var (
	ErrJobNotFound   = errors.New("job does not exist")
	ErrBadTransition = errors.New("job is not in a state that permits this transition")
)

type (
	jobModel struct {
		jobBase
		Args database.JsonColumn[[]string] `db:"args"`
	}

	// ListFilter narrows and paginates job listings. Cursor is the id of the
	// last job the caller has already seen (listing is newest-first).
	ListFilter struct {
		Status         *Status
		IncludeCleared bool
		Cursor         int64
		Limit          int
	}

	Store struct{}
)

func NewStore() *Store {
	return &Store{}
}

func (store *Store) InsertBatch(db database.Queryable, batch *Batch) error {
	_, err := db.Exec(`
		INSERT INTO batches(id, total_files, created_count, status, created_at)
		VALUES ($1, $2, 0, $3, current_timestamp)
	`, batch.ID, batch.TotalFiles, BatchCreating)

	return err
}

// RecordBatchJob increments the batch's created counter and, once every file
// is accounted for, flips the batch to its terminal status.
func (store *Store) RecordBatchJob(db database.Queryable, batchID string) error {
	_, err := db.Exec(`
		UPDATE batches SET
			created_count = created_count + 1,
			status = CASE WHEN created_count + 1 >= total_files THEN 'completed' ELSE status END
		WHERE id = $1
	`, batchID)

	return err
}

func (store *Store) FailBatch(db database.Queryable, batchID string, message string) error {
	_, err := db.Exec(`UPDATE batches SET status='failed', error_message=$2 WHERE id=$1`, batchID, message)
	return err
}

func (store *Store) GetBatch(db database.Queryable, batchID string) (*Batch, error) {
	var batch Batch
	if err := db.Get(&batch, `SELECT * FROM batches WHERE id=$1`, batchID); err != nil {
		return nil, err
	}

	return &batch, nil
}

// DeleteStaleBatches removes batches older than the cutoff whose jobs have
// all reached a terminal status. Associated jobs are removed by cascade.
func (store *Store) DeleteStaleBatches(db database.Queryable, olderThanHours int) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM batches
		WHERE created_at < current_timestamp - ($1 * INTERVAL '1 hour')
		AND NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE jobs.batch_id = batches.id
			AND jobs.status NOT IN ('completed', 'failed', 'cancelled')
		)
	`, olderThanHours)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// InsertJob persists a new pending job and populates its generated id.
func (store *Store) InsertJob(db database.Queryable, j *Job) error {
	args := database.NewJsonColumn(&j.Args)
	rawArgs, err := args.Value()
	if err != nil {
		return fmt.Errorf("failed to serialize argument vector: %w", err)
	}

	return db.Get(&j.ID, `
		INSERT INTO jobs(name, input_path, output_path, args, status, progress, batch_id, fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, current_timestamp, current_timestamp)
		RETURNING id
	`, j.Name, j.InputPath, j.OutputPath, rawArgs, j.BatchID, j.Fingerprint)
}

func (store *Store) Get(db database.Queryable, id int64) (*Job, error) {
	var model jobModel
	if err := db.Get(&model, `SELECT * FROM jobs WHERE id=$1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}

		return nil, err
	}

	return modelToJob(&model), nil
}

func (store *Store) List(db database.Queryable, filter ListFilter) ([]*Job, error) {
	builder := squirrel.
		Select("*").
		From("jobs").
		OrderBy("created_at DESC", "id DESC")

	if filter.Status != nil {
		builder = builder.Where("status = ?", *filter.Status)
	}
	if !filter.IncludeCleared {
		builder = builder.Where("cleared = FALSE")
	}
	if filter.Cursor > 0 {
		builder = builder.Where("id < ?", filter.Cursor)
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list jobs query: %w", err)
	}

	var models []jobModel
	if err := db.Select(&models, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	output := make([]*Job, len(models))
	for idx := range models {
		output[idx] = modelToJob(&models[idx])
	}

	return output, nil
}

func (store *Store) ListByStatus(db database.Queryable, status Status) ([]*Job, error) {
	var models []jobModel
	if err := db.Select(&models, `SELECT * FROM jobs WHERE status=$1 ORDER BY created_at ASC, id ASC`, status); err != nil {
		return nil, err
	}

	output := make([]*Job, len(models))
	for idx := range models {
		output[idx] = modelToJob(&models[idx])
	}

	return output, nil
}

func (store *Store) CountByStatus(db database.Queryable) (map[Status]int, error) {
	var rows []struct {
		Status Status `db:"status"`
		Count  int    `db:"count"`
	}
	if err := db.Select(&rows, `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`); err != nil {
		return nil, err
	}

	counts := make(map[Status]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	return counts, nil
}

// HasNonTerminalWithOutputPath reports whether any live job is already
// targeting the given output path. Used to refuse colliding submissions.
func (store *Store) HasNonTerminalWithOutputPath(db database.Queryable, outputPath string) (bool, error) {
	var count int
	err := db.Get(&count, `
		SELECT COUNT(*) FROM jobs
		WHERE output_path=$1 AND status IN ('pending', 'processing')
	`, outputPath)

	return count > 0, err
}

// MarkProcessing transitions a pending job to processing and records the
// worker it was leased to. The WHERE clause enforces the state machine: a
// job that is not pending (or was leased concurrently) is left untouched.
func (store *Store) MarkProcessing(db database.Queryable, id int64, workerID string) error {
	result, err := db.Exec(`
		UPDATE jobs SET status='processing', assigned_worker=$2, updated_at=current_timestamp
		WHERE id=$1 AND status='pending'
	`, id, workerID)
	if err != nil {
		return err
	}

	return requireRow(result)
}

// UpdateProgress records intermediate progress for a processing job. The
// value is clamped below 100: the encoder emits a final 100 percent record
// before its terminal report, but only a successful completion may rest at
// 100.
func (store *Store) UpdateProgress(db database.Queryable, id int64, progress int) error {
	_, err := db.Exec(`
		UPDATE jobs SET progress=LEAST($2, 99), updated_at=current_timestamp
		WHERE id=$1 AND status='processing'
	`, id, progress)

	return err
}

// MarkTerminal moves a processing job in to one of its terminal states,
// clearing the worker assignment and stamping the completion time. Progress
// is forced to 100 iff the job completed successfully; failed and cancelled
// jobs are clamped below 100.
func (store *Store) MarkTerminal(db database.Queryable, id int64, status Status, errorMessage *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal: %w", status, ErrBadTransition)
	}

	progressExpr := "LEAST(progress, 99)"
	if status == StatusCompleted {
		progressExpr = "100"
	}

	result, err := db.Exec(`
		UPDATE jobs SET
			status=$2,
			progress=`+progressExpr+`,
			error_message=$3,
			assigned_worker=NULL,
			updated_at=current_timestamp,
			completed_at=current_timestamp
		WHERE id=$1 AND status IN ('pending', 'processing')
	`, id, status, errorMessage)
	if err != nil {
		return err
	}

	return requireRow(result)
}

// MarkRetried performs the in-place retry reset: a failed or cancelled job
// returns to pending with its progress and error wiped, and the retried flag
// latched on.
func (store *Store) MarkRetried(db database.Queryable, id int64) error {
	result, err := db.Exec(`
		UPDATE jobs SET
			status='pending',
			progress=0,
			error_message=NULL,
			retried=TRUE,
			completed_at=NULL,
			updated_at=current_timestamp
		WHERE id=$1 AND status IN ('failed', 'cancelled')
	`, id)
	if err != nil {
		return err
	}

	return requireRow(result)
}

// RetryAllFailed resets every failed, not-yet-retried job in one statement
// and returns the ids that were reset.
func (store *Store) RetryAllFailed(db database.Queryable) ([]int64, error) {
	var ids []int64
	err := db.Select(&ids, `
		UPDATE jobs SET
			status='pending',
			progress=0,
			error_message=NULL,
			retried=TRUE,
			completed_at=NULL,
			updated_at=current_timestamp
		WHERE status='failed' AND retried=FALSE
		RETURNING id
	`)

	return ids, err
}

// Requeue returns a processing job to the pending state, but only while it
// is still assigned to the named worker. The guard makes follower-death
// requeues idempotent: a late terminal report from a de-assigned follower
// matches no row and is dropped.
func (store *Store) Requeue(db database.Queryable, id int64, workerID string) (bool, error) {
	result, err := db.Exec(`
		UPDATE jobs SET
			status='pending',
			progress=0,
			assigned_worker=NULL,
			updated_at=current_timestamp
		WHERE id=$1 AND status='processing' AND assigned_worker=$2
	`, id, workerID)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	return affected > 0, err
}

// ClearFinished hides all terminal jobs from default listings.
func (store *Store) ClearFinished(db database.Queryable) (int64, error) {
	result, err := db.Exec(`
		UPDATE jobs SET cleared=TRUE, updated_at=current_timestamp
		WHERE cleared=FALSE AND status IN ('completed', 'failed', 'cancelled')
	`)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// FailAllProcessing is the shutdown sweep: any job still processing once the
// drain window lapses is recorded as failed with the provided reason.
func (store *Store) FailAllProcessing(db database.Queryable, message string) ([]int64, error) {
	var ids []int64
	err := db.Select(&ids, `
		UPDATE jobs SET
			status='failed',
			progress=LEAST(progress, 99),
			error_message=$1,
			assigned_worker=NULL,
			updated_at=current_timestamp,
			completed_at=current_timestamp
		WHERE status='processing'
		RETURNING id
	`, message)

	return ids, err
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrBadTransition
	}

	return nil
}

func modelToJob(model *jobModel) *Job {
	j := &Job{jobBase: model.jobBase}
	if args := model.Args.Get(); args != nil {
		j.Args = *args
	}

	return j
}
