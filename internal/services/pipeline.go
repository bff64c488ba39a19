package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sanjoekurian/sdpip-backend/internal/config"
	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/repos"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// PipelineService owns the document pipeline: idempotent submission, the
// extracting -> detecting_pii -> analyzing state machine, cooperative
// cancellation and resume from per-stage checkpoints.
type PipelineService interface {
	Submit(ctx context.Context, originalName, mimeType string, data []byte, metadata map[string]any) (*types.Document, *types.PipelineJob, error)
	Run(ctx context.Context, jobID uuid.UUID) error
	Cancel(ctx context.Context, jobID uuid.UUID) (bool, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*types.PipelineJob, error)
	GetDocumentStatus(ctx context.Context, documentID uuid.UUID) (*types.Document, *types.PipelineJob, error)
	GetDocumentEntities(ctx context.Context, documentID uuid.UUID) ([]types.PIIEntity, error)
}

type pipelineService struct {
	log          *logger.Logger
	cfg          *config.Config
	bucket       BucketService
	normalizer   NormalizerService
	pii          PIIEngine
	analysis     AnalysisService
	documentRepo repos.DocumentRepo
	jobRepo      repos.PipelineJobRepo
	artifactRepo repos.ArtifactRepo

	// Per-document in-process locks; the partial unique index on active
	// jobs handles the cross-process side of the at-most-one-active-job
	// invariant.
	docLocks sync.Map
}

func NewPipelineService(
	log *logger.Logger,
	cfg *config.Config,
	bucket BucketService,
	normalizer NormalizerService,
	pii PIIEngine,
	analysis AnalysisService,
	documentRepo repos.DocumentRepo,
	jobRepo repos.PipelineJobRepo,
	artifactRepo repos.ArtifactRepo,
) PipelineService {
	return &pipelineService{
		log:          log.With("service", "PipelineService"),
		cfg:          cfg,
		bucket:       bucket,
		normalizer:   normalizer,
		pii:          pii,
		analysis:     analysis,
		documentRepo: documentRepo,
		jobRepo:      jobRepo,
		artifactRepo: artifactRepo,
	}
}

func (s *pipelineService) lockDocument(documentID uuid.UUID) *sync.Mutex {
	mu, _ := s.docLocks.LoadOrStore(documentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Submit registers an upload and enqueues processing. Identical bytes are
// deduplicated by content hash: if a ready job already processed this
// content, the existing document and job come back with no new work; if a
// job is currently active for the document, that job comes back instead of
// a second one.
func (s *pipelineService) Submit(ctx context.Context, originalName, mimeType string, data []byte, metadata map[string]any) (*types.Document, *types.PipelineJob, error) {
	if err := s.normalizer.ValidateUpload(mimeType, int64(len(data))); err != nil {
		return nil, nil, err
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	doc, err := s.documentRepo.GetByContentHash(ctx, nil, contentHash)
	if err != nil {
		return nil, nil, err
	}

	if doc != nil {
		if ready, rErr := s.jobRepo.GetReadyByContentHash(ctx, nil, contentHash); rErr == nil && ready != nil {
			s.log.Info("Submission deduplicated against ready job",
				"document_id", doc.ID.String(), "job_id", ready.ID.String())
			return doc, ready, nil
		}
		if active, aErr := s.jobRepo.GetActiveByDocument(ctx, nil, doc.ID); aErr == nil && active != nil {
			return doc, active, nil
		}
	}

	if doc == nil {
		doc = &types.Document{
			ID:           uuid.New(),
			OriginalName: originalName,
			MimeType:     mimeType,
			SizeBytes:    int64(len(data)),
			ContentHash:  contentHash,
		}
		doc.StorageKey = originalKey(doc.ID)
		if metadata != nil {
			if raw, mErr := json.Marshal(metadata); mErr == nil {
				doc.Metadata = datatypes.JSON(raw)
			}
		}
		if err := s.bucket.UploadBytes(ctx, doc.StorageKey, data); err != nil {
			return nil, nil, fmt.Errorf("store original: %w", err)
		}
		if _, cErr := s.documentRepo.Create(ctx, nil, doc); cErr != nil {
			if !errors.Is(cErr, gorm.ErrDuplicatedKey) {
				return nil, nil, cErr
			}
			// Lost a concurrent-upload race on the content hash; drop our
			// speculative blob and adopt the winner's document.
			_ = s.bucket.DeleteObject(ctx, doc.StorageKey)
			doc, err = s.documentRepo.GetByContentHash(ctx, nil, contentHash)
			if err != nil {
				return nil, nil, err
			}
			if doc == nil {
				return nil, nil, fmt.Errorf("document for content hash %s not found after duplicate insert", contentHash)
			}
			if ready, rErr := s.jobRepo.GetReadyByContentHash(ctx, nil, contentHash); rErr == nil && ready != nil {
				return doc, ready, nil
			}
		}
	}

	job, err := s.jobRepo.Create(ctx, nil, &types.PipelineJob{
		DocumentID:  doc.ID,
		ContentHash: contentHash,
		Status:      types.JobStateCreated,
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// The one-active-job index caught a concurrent submit for the
			// same document; hand back the job that won.
			if active, aErr := s.jobRepo.GetActiveByDocument(ctx, nil, doc.ID); aErr == nil && active != nil {
				return doc, active, nil
			}
		}
		return nil, nil, err
	}

	s.log.Info("Pipeline job submitted",
		"document_id", doc.ID.String(),
		"job_id", job.ID.String(),
		"mime_type", mimeType,
		"size_bytes", len(data),
	)
	return doc, job, nil
}

// Run drives one claimed job forward until it reaches a terminal state, a
// stage fails, or cancellation is observed at a stage boundary. Safe to
// call on a resumed job: completed stages are skipped via their persisted
// checkpoints.
func (s *pipelineService) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return types.ErrJobNotFound
	}
	if types.IsTerminalJobState(job.Status) {
		return nil
	}

	mu := s.lockDocument(job.DocumentID)
	if !mu.TryLock() {
		// Another goroutine in this process is already on this document.
		return nil
	}
	defer mu.Unlock()

	if job.StartedAt == nil {
		now := time.Now()
		_ = s.jobRepo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{"started_at": now})
	}

	for {
		if cancelled, cErr := s.observeCancel(ctx, job.ID); cErr != nil || cancelled {
			return cErr
		}

		job, err = s.jobRepo.GetByID(ctx, nil, jobID)
		if err != nil {
			return err
		}
		if job == nil || types.IsTerminalJobState(job.Status) {
			return nil
		}

		switch job.Status {
		case types.JobStateCreated:
			if ok, tErr := s.transition(ctx, job.ID, types.JobStateExtracting, nil); tErr != nil || !ok {
				return tErr
			}
		case types.JobStateExtracting:
			if err := s.stageExtract(ctx, job); err != nil {
				return s.failJob(ctx, job, types.JobStateExtracting, err)
			}
		case types.JobStateDetectingPII:
			if err := s.stageDetectPII(ctx, job); err != nil {
				// Detection itself is deterministic; an error here is
				// checkpoint I/O, so the job stays runnable for a later poll
				// instead of failing.
				return s.releaseForRetry(ctx, job, err)
			}
		case types.JobStateAnalyzing:
			if err := s.stageAnalyze(ctx, job); err != nil {
				return err
			}
			return nil
		default:
			return fmt.Errorf("job %s in unknown state %q", job.ID, job.Status)
		}
	}
}

// observeCancel is the stage-boundary cancellation check. A requested
// cancel wins over whatever the next stage would have written.
func (s *pipelineService) observeCancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return true, nil
	}
	if !job.CancelRequested || types.IsTerminalJobState(job.Status) {
		return types.IsTerminalJobState(job.Status), nil
	}
	now := time.Now()
	_, err = s.jobRepo.UpdateFieldsUnlessStatus(ctx, nil, job.ID,
		[]string{types.JobStateReady, types.JobStateFailed},
		map[string]interface{}{
			"status":      types.JobStateCancelled,
			"finished_at": now,
		})
	if err != nil {
		return false, err
	}
	s.log.Info("Pipeline job cancelled", "job_id", job.ID.String())
	return true, nil
}

// transition advances the job state unless the job was cancelled or failed
// underneath us. Returns false when the guard rejected the write.
func (s *pipelineService) transition(ctx context.Context, jobID uuid.UUID, next string, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":       next,
		"heartbeat_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	return s.jobRepo.UpdateFieldsUnlessStatus(ctx, nil, jobID,
		[]string{types.JobStateCancelled, types.JobStateFailed, types.JobStateReady},
		updates)
}

func (s *pipelineService) stageExtract(ctx context.Context, job *types.PipelineJob) error {
	doc, err := s.documentRepo.GetByID(ctx, nil, job.DocumentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s missing for job %s", job.DocumentID, job.ID)
	}

	_ = s.jobRepo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"extract_attempts": job.ExtractAttempts + 1,
	})

	data, err := s.bucket.DownloadBytes(ctx, doc.StorageKey)
	if err != nil {
		return fmt.Errorf("%w: fetch original: %v", types.ErrExtractionFailed, err)
	}

	segmented, err := s.normalizer.Normalize(ctx, doc.ID, data, doc.MimeType)
	if err != nil {
		return err
	}

	key := segmentsKey(job.ID)
	if err := uploadJSON(ctx, s.bucket, key, segmented); err != nil {
		return err
	}

	_ = s.documentRepo.UpdateFields(ctx, nil, doc.ID, map[string]interface{}{
		"page_count": len(segmented.Segments),
	})

	_, err = s.transition(ctx, job.ID, types.JobStateDetectingPII, map[string]interface{}{
		"segments_key": key,
	})
	return err
}

func (s *pipelineService) stageDetectPII(ctx context.Context, job *types.PipelineJob) error {
	segmented, err := downloadSegmentedText(ctx, s.bucket, job.SegmentsKey)
	if err != nil {
		return fmt.Errorf("load segments checkpoint: %w", err)
	}

	entities := s.pii.Detect(segmented.FullText())

	key := entitiesKey(job.ID)
	if err := uploadJSON(ctx, s.bucket, key, entities); err != nil {
		return err
	}

	_, err = s.transition(ctx, job.ID, types.JobStateAnalyzing, map[string]interface{}{
		"entities_key":     key,
		"pii_entity_count": len(entities),
	})
	return err
}

// releaseForRetry records a transient stage error and releases the claim so
// a later poll re-runs the job from its current state.
func (s *pipelineService) releaseForRetry(ctx context.Context, job *types.PipelineJob, cause error) error {
	s.log.Warn("Stage failed transiently, leaving job runnable",
		"job_id", job.ID.String(),
		"status", job.Status,
		"error", cause.Error(),
	)
	if uErr := s.jobRepo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"locked_at":  nil,
		"last_error": cause.Error(),
	}); uErr != nil {
		return uErr
	}
	return cause
}

// stageAnalyze is the model-retried stage: calls can fail transiently even
// after the client's own retries. Attempts are counted on the job; the job
// stays in analyzing and gets re-claimed until attempts run out.
func (s *pipelineService) stageAnalyze(ctx context.Context, job *types.PipelineJob) error {
	segmented, err := downloadSegmentedText(ctx, s.bucket, job.SegmentsKey)
	if err != nil {
		return s.releaseForRetry(ctx, job, fmt.Errorf("load segments checkpoint: %w", err))
	}

	attempt := job.AnalyzeAttempts + 1
	_ = s.jobRepo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"analyze_attempts": attempt,
		"heartbeat_at":     time.Now(),
	})

	result, err := s.analysis.Analyze(ctx, segmented, job.ContentHash)
	if err != nil {
		if attempt >= s.cfg.Analysis.MaxAttempts {
			return s.failJob(ctx, job, types.JobStateAnalyzing, err)
		}
		return s.releaseForRetry(ctx, job, err)
	}

	themes, _ := json.Marshal(result.Themes)
	artifact := &types.AnalysisArtifact{
		DocumentID:   job.DocumentID,
		ContentHash:  job.ContentHash,
		Summary:      result.Summary,
		Themes:       datatypes.JSON(themes),
		Sentiment:    result.Sentiment,
		Model:        result.Model,
		ChunkCount:   result.ChunkCount,
		ApproxTokens: result.ApproxTokens,
		Attempt:      attempt,
	}

	key := artifactKey(job.ID)
	if err := uploadJSON(ctx, s.bucket, key, result); err != nil {
		return s.releaseForRetry(ctx, job, err)
	}

	// The artifact row is written only on the transition to ready; a job
	// that failed or was cancelled in analyzing leaves no artifact behind.
	now := time.Now()
	ok, err := s.transition(ctx, job.ID, types.JobStateReady, map[string]interface{}{
		"artifact_key": key,
		"finished_at":  now,
		"last_error":   "",
	})
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("Job finished analysis after cancellation, discarding artifact", "job_id", job.ID.String())
		_ = s.bucket.DeleteObject(ctx, key)
		return nil
	}
	if _, err := s.artifactRepo.Create(ctx, nil, artifact); err != nil {
		return err
	}

	s.log.Info("Pipeline job ready",
		"job_id", job.ID.String(),
		"document_id", job.DocumentID.String(),
		"chunks", result.ChunkCount,
		"pii_entities", job.PIIEntityCount,
	)
	return nil
}

func (s *pipelineService) failJob(ctx context.Context, job *types.PipelineJob, stage string, cause error) error {
	now := time.Now()
	_, err := s.jobRepo.UpdateFieldsUnlessStatus(ctx, nil, job.ID,
		[]string{types.JobStateCancelled, types.JobStateReady},
		map[string]interface{}{
			"status":       types.JobStateFailed,
			"failed_stage": stage,
			"last_error":   cause.Error(),
			"finished_at":  now,
		})
	if err != nil {
		return err
	}
	s.log.Error("Pipeline job failed",
		"job_id", job.ID.String(),
		"stage", stage,
		"error", cause.Error(),
	)
	return cause
}

func (s *pipelineService) Cancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, types.ErrJobNotFound
	}
	return s.jobRepo.RequestCancel(ctx, nil, jobID)
}

func (s *pipelineService) GetJob(ctx context.Context, jobID uuid.UUID) (*types.PipelineJob, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.ErrJobNotFound
	}
	return job, nil
}

func (s *pipelineService) GetDocumentStatus(ctx context.Context, documentID uuid.UUID) (*types.Document, *types.PipelineJob, error) {
	doc, err := s.documentRepo.GetByID(ctx, nil, documentID)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, types.ErrJobNotFound
	}
	if active, aErr := s.jobRepo.GetActiveByDocument(ctx, nil, documentID); aErr == nil && active != nil {
		return doc, active, nil
	}
	if ready, rErr := s.jobRepo.GetReadyByContentHash(ctx, nil, doc.ContentHash); rErr == nil && ready != nil {
		return doc, ready, nil
	}
	return doc, nil, nil
}

// GetDocumentEntities returns the PII findings for a ready document from
// its job's entities checkpoint.
func (s *pipelineService) GetDocumentEntities(ctx context.Context, documentID uuid.UUID) ([]types.PIIEntity, error) {
	doc, err := s.documentRepo.GetByID(ctx, nil, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, types.ErrJobNotFound
	}
	ready, err := s.jobRepo.GetReadyByContentHash(ctx, nil, doc.ContentHash)
	if err != nil {
		return nil, err
	}
	if ready == nil || ready.EntitiesKey == "" {
		return nil, types.ErrDocumentNotReady
	}
	return downloadPIIEntities(ctx, s.bucket, ready.EntitiesKey)
}
