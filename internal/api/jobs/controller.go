package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Crunch/internal/ffmpeg"
	"github.com/hbomb79/Crunch/internal/job"
	"github.com/hbomb79/Crunch/internal/scheduler"
	"github.com/labstack/echo/v4"
)

type (
	// Scheduler is the slice of the scheduler the jobs routes drive.
	Scheduler interface {
		SubmitBatch(opts *ffmpeg.ConversionOptions) (*job.Batch, error)
		Retry(id int64) error
		RetryAllFailed() (int, error)
		Cancel(id int64) error
		CancelAll() error
		ClearFinished() (int64, error)
	}

	Store interface {
		Job(id int64) (*job.Job, error)
		Batch(id string) (*job.Batch, error)
		List(filter job.ListFilter) ([]*job.Job, error)
		CountByStatus() (map[job.Status]int, error)
	}

	JobsController struct {
		scheduler Scheduler
		store     Store
		validate  *validator.Validate
	}

	Dto struct {
		ID           int64      `json:"id"`
		Name         string     `json:"name"`
		InputPath    string     `json:"inputPath"`
		OutputPath   string     `json:"outputPath"`
		Status       string     `json:"status"`
		Progress     int        `json:"progress"`
		ErrorMessage *string    `json:"errorMessage,omitempty"`
		Retried      bool       `json:"retried"`
		BatchID      string     `json:"batchId"`
		CreatedAt    time.Time  `json:"createdAt"`
		UpdatedAt    time.Time  `json:"updatedAt"`
		CompletedAt  *time.Time `json:"completedAt,omitempty"`
	}

	BatchDto struct {
		ID           string `json:"id"`
		TotalFiles   int    `json:"totalFiles"`
		CreatedCount int    `json:"createdCount"`
		Status       string `json:"status"`
	}

	actionRequest struct {
		Action string `json:"action" validate:"required"`
	}
)

func New(sched Scheduler, store Store) *JobsController {
	return &JobsController{
		scheduler: sched,
		store:     store,
		validate:  validator.New(),
	}
}

func (controller *JobsController) SetRoutes(group *echo.Group) {
	group.GET("/", controller.list)
	group.POST("/", controller.submit)
	group.DELETE("/", controller.cancelAll)
	group.PUT("/", controller.bulkAction)
	group.GET("/:id/", controller.get)
	group.PATCH("/:id/", controller.patch)
}

// list returns jobs newest-first with cursor pagination, plus the per-status
// counts the dashboard header renders.
func (controller *JobsController) list(ec echo.Context) error {
	filter := job.ListFilter{Limit: 50}
	if raw := ec.QueryParam("status"); raw != "" {
		status := job.Status(raw)
		filter.Status = &status
	}
	if raw := ec.QueryParam("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "cursor must be an integer")
		}
		filter.Cursor = cursor
	}
	if raw := ec.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer between 1 and 500")
		}
		filter.Limit = limit
	}
	filter.IncludeCleared = ec.QueryParam("includeCleared") == "true"

	jobs, err := controller.store.List(filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	counts, err := controller.store.CountByStatus()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]Dto, 0, len(jobs))
	for _, j := range jobs {
		dtos = append(dtos, newDto(j))
	}

	var nextCursor *int64
	if filter.Limit > 0 && len(jobs) == filter.Limit {
		last := jobs[len(jobs)-1].ID
		nextCursor = &last
	}

	return ec.JSON(http.StatusOK, map[string]any{
		"jobs":       dtos,
		"counts":     counts,
		"nextCursor": nextCursor,
	})
}

func (controller *JobsController) get(ec echo.Context) error {
	id, err := jobID(ec)
	if err != nil {
		return err
	}

	stored, err := controller.store.Job(id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return echo.ErrNotFound
		}

		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, newDto(stored))
}

// submit stages a new batch. The body is decoded strictly: unknown fields
// are refused rather than silently dropped, since a typo'd option would
// otherwise change the transcode without warning.
func (controller *JobsController) submit(ec echo.Context) error {
	decoder := json.NewDecoder(ec.Request().Body)
	decoder.DisallowUnknownFields()

	var opts ffmpeg.ConversionOptions
	if err := decoder.Decode(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
	}
	if err := controller.validate.Struct(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid submission: %v", err))
	}

	batch, err := controller.scheduler.SubmitBatch(&opts)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrOutputCollision):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, ffmpeg.ErrPathTraversal),
			errors.Is(err, ffmpeg.ErrEmptyInput),
			errors.Is(err, ffmpeg.ErrUnknownCodec),
			errors.Is(err, ffmpeg.ErrMalformedArgumentList):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return ec.JSON(http.StatusCreated, BatchDto{
		ID:           batch.ID,
		TotalFiles:   batch.TotalFiles,
		CreatedCount: batch.CreatedCount,
		Status:       string(batch.Status),
	})
}

// patch applies a single-job action: retry or cancel.
func (controller *JobsController) patch(ec echo.Context) error {
	id, err := jobID(ec)
	if err != nil {
		return err
	}

	var request actionRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	switch request.Action {
	case "retry":
		err = controller.scheduler.Retry(id)
	case "cancel":
		err = controller.scheduler.Cancel(id)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown action %q", request.Action))
	}

	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			return echo.ErrNotFound
		case errors.Is(err, scheduler.ErrNotRetryable), errors.Is(err, scheduler.ErrNotCancellable):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *JobsController) cancelAll(ec echo.Context) error {
	if err := controller.scheduler.CancelAll(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

// bulkAction applies a queue-wide action: retry-all-failed or clear-finished.
func (controller *JobsController) bulkAction(ec echo.Context) error {
	var request actionRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	switch request.Action {
	case "retry-all-failed":
		count, err := controller.scheduler.RetryAllFailed()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}

		return ec.JSON(http.StatusOK, map[string]int{"retried": count})
	case "clear-finished":
		count, err := controller.scheduler.ClearFinished()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}

		return ec.JSON(http.StatusOK, map[string]int64{"cleared": count})
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown action %q", request.Action))
	}
}

func jobID(ec echo.Context) (int64, error) {
	id, err := strconv.ParseInt(ec.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "job id must be an integer")
	}

	return id, nil
}

func newDto(j *job.Job) Dto {
	return Dto{
		ID:           j.ID,
		Name:         j.Name,
		InputPath:    j.InputPath,
		OutputPath:   j.OutputPath,
		Status:       string(j.Status),
		Progress:     j.Progress,
		ErrorMessage: j.ErrorMessage,
		Retried:      j.Retried,
		BatchID:      j.BatchID,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
	}
}
