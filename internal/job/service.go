package job

import (
	"fmt"

	"github.com/hbomb79/Crunch/internal/database"
	"github.com/jmoiron/sqlx"
)

// Service pairs the raw store with the database manager so callers get
// whole-operation transactions: either every row of an operation lands, or
// none of them do.
type Service struct {
	db    database.Manager
	store *Store
}

func NewService(db database.Manager) *Service {
	return &Service{db: db, store: NewStore()}
}

// CreateBatch atomically persists the batch record and each of its jobs. On
// return every job has its generated id populated and the batch counters
// reflect the full set.
func (service *Service) CreateBatch(batch *Batch, jobs []*Job) error {
	return service.db.WrapTx(func(tx *sqlx.Tx) error {
		if err := service.store.InsertBatch(tx, batch); err != nil {
			return fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
		}

		for _, j := range jobs {
			if err := service.store.InsertJob(tx, j); err != nil {
				return fmt.Errorf("failed to insert job for input %s: %w", j.InputPath, err)
			}
			if err := service.store.RecordBatchJob(tx, batch.ID); err != nil {
				return err
			}
		}

		batch.CreatedCount = len(jobs)
		if batch.CreatedCount >= batch.TotalFiles {
			batch.Status = BatchCompleted
		}

		return nil
	})
}

func (service *Service) Job(id int64) (*Job, error) {
	return service.store.Get(service.db.GetSqlxDb(), id)
}

func (service *Service) Batch(id string) (*Batch, error) {
	return service.store.GetBatch(service.db.GetSqlxDb(), id)
}

func (service *Service) List(filter ListFilter) ([]*Job, error) {
	return service.store.List(service.db.GetSqlxDb(), filter)
}

func (service *Service) ListByStatus(status Status) ([]*Job, error) {
	return service.store.ListByStatus(service.db.GetSqlxDb(), status)
}

func (service *Service) CountByStatus() (map[Status]int, error) {
	return service.store.CountByStatus(service.db.GetSqlxDb())
}

func (service *Service) HasOutputCollision(outputPath string) (bool, error) {
	return service.store.HasNonTerminalWithOutputPath(service.db.GetSqlxDb(), outputPath)
}

func (service *Service) MarkProcessing(id int64, workerID string) error {
	return service.store.MarkProcessing(service.db.GetSqlxDb(), id, workerID)
}

func (service *Service) UpdateProgress(id int64, progress int) error {
	return service.store.UpdateProgress(service.db.GetSqlxDb(), id, progress)
}

func (service *Service) MarkTerminal(id int64, status Status, errorMessage *string) error {
	return service.store.MarkTerminal(service.db.GetSqlxDb(), id, status, errorMessage)
}

func (service *Service) MarkRetried(id int64) error {
	return service.store.MarkRetried(service.db.GetSqlxDb(), id)
}

func (service *Service) RetryAllFailed() ([]int64, error) {
	var ids []int64
	err := service.db.WrapTx(func(tx *sqlx.Tx) error {
		reset, err := service.store.RetryAllFailed(tx)
		ids = reset

		return err
	})

	return ids, err
}

// CancelAllPending transitions every pending job to cancelled in a single
// transaction and returns the affected ids. Processing jobs are handled
// separately via worker signalling.
func (service *Service) CancelAllPending() ([]int64, error) {
	var ids []int64
	err := service.db.WrapTx(func(tx *sqlx.Tx) error {
		pending, err := service.store.ListByStatus(tx, StatusPending)
		if err != nil {
			return err
		}

		for _, j := range pending {
			if err := service.store.MarkTerminal(tx, j.ID, StatusCancelled, nil); err != nil {
				return err
			}
			ids = append(ids, j.ID)
		}

		return nil
	})

	return ids, err
}

func (service *Service) Requeue(id int64, workerID string) (bool, error) {
	return service.store.Requeue(service.db.GetSqlxDb(), id, workerID)
}

func (service *Service) ClearFinished() (int64, error) {
	return service.store.ClearFinished(service.db.GetSqlxDb())
}

func (service *Service) FailAllProcessing(message string) ([]int64, error) {
	var ids []int64
	err := service.db.WrapTx(func(tx *sqlx.Tx) error {
		failed, err := service.store.FailAllProcessing(tx, message)
		ids = failed

		return err
	})

	return ids, err
}

func (service *Service) DeleteStaleBatches(olderThanHours int) (int64, error) {
	return service.store.DeleteStaleBatches(service.db.GetSqlxDb(), olderThanHours)
}
