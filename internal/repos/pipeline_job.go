package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

type PipelineJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.PipelineJob) (*types.PipelineJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.PipelineJob, error)
	GetActiveByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) (*types.PipelineJob, error)
	GetReadyByContentHash(ctx context.Context, tx *gorm.DB, hash string) (*types.PipelineJob, error)
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleRunning time.Duration) (*types.PipelineJob, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, blockedStatuses []string, updates map[string]interface{}) (bool, error)
	RequestCancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
}

type pipelineJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineJobRepo(db *gorm.DB, baseLog *logger.Logger) PipelineJobRepo {
	return &pipelineJobRepo{
		db:  db,
		log: baseLog.With("repo", "PipelineJobRepo"),
	}
}

func (r *pipelineJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.PipelineJob) (*types.PipelineJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, nil
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = types.JobStateCreated
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *pipelineJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.PipelineJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.PipelineJob
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetActiveByDocument returns the non-terminal job for a document, if any.
// The at-most-one-active-job invariant makes Limit(1) sufficient.
func (r *pipelineJobRepo) GetActiveByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) (*types.PipelineJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if documentID == uuid.Nil {
		return nil, nil
	}
	var job types.PipelineJob
	err := transaction.WithContext(ctx).
		Where("document_id = ? AND status NOT IN ?", documentID, []string{
			types.JobStateReady, types.JobStateFailed, types.JobStateCancelled,
		}).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *pipelineJobRepo) GetReadyByContentHash(ctx context.Context, tx *gorm.DB, hash string) (*types.PipelineJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if hash == "" {
		return nil, nil
	}
	var job types.PipelineJob
	err := transaction.WithContext(ctx).
		Where("content_hash = ? AND status = ?", hash, types.JobStateReady).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

// ClaimNextRunnable locks the oldest runnable job for this worker. Runnable
// means non-terminal and either never claimed or abandoned (stale
// heartbeat after a process crash) — that is what makes restarts resume
// jobs from their last persisted stage.
func (r *pipelineJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleRunning time.Duration) (*types.PipelineJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)

	var claimed *types.PipelineJob
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.PipelineJob
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				status NOT IN (?, ?, ?)
				AND (
					locked_at IS NULL
					OR (heartbeat_at IS NOT NULL AND heartbeat_at < ?)
				)
			`, types.JobStateReady, types.JobStateFailed, types.JobStateCancelled, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.PipelineJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *pipelineJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.PipelineJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateFieldsUnlessStatus applies updates only while the row is not in one
// of the blocked statuses. Returns false when the guard rejected the write,
// which is how a cancelled job avoids being overwritten by a late stage.
func (r *pipelineJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, blockedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.PipelineJob{}).
		Where("id = ?", id)
	if len(blockedStatuses) > 0 {
		res = res.Where("status NOT IN ?", blockedStatuses)
	}
	res = res.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RequestCancel flags a non-terminal job for cooperative cancellation. The
// pipeline observes the flag at its next stage boundary.
func (r *pipelineJobRepo) RequestCancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.PipelineJob{}).
		Where("id = ? AND status NOT IN ?", id, []string{
			types.JobStateReady, types.JobStateFailed, types.JobStateCancelled,
		}).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
