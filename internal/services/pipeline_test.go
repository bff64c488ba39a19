package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sanjoekurian/sdpip-backend/internal/config"
	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/repos"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

type memBucket struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// Failure injection: the next downloadFailures reads return downloadErr.
	downloadFailures int
	downloadErr      error
}

func newMemBucket() *memBucket {
	return &memBucket{objects: map[string][]byte{}}
}

func (b *memBucket) UploadBytes(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.objects[key] = cp
	return nil
}

func (b *memBucket) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.downloadFailures > 0 {
		b.downloadFailures--
		return nil, b.downloadErr
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return data, nil
}

func (b *memBucket) DeleteObject(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBucket) GetPublicURL(key string) string { return "mem://" + key }

type pipelineFixture struct {
	svc          PipelineService
	bucket       *memBucket
	adapter      *fakeAdapter
	client       *fakeModelClient
	documentRepo repos.DocumentRepo
	jobRepo      repos.PipelineJobRepo
	artifactRepo repos.ArtifactRepo
	db           *gorm.DB
	log          *logger.Logger
	cfg          *config.Config
	normalizer   NormalizerService
	pii          PIIEngine
	analysis     AnalysisService
}

func newPipelineFixture(t *testing.T, maxAttempts int, client *fakeModelClient) *pipelineFixture {
	t.Helper()

	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := gdb.AutoMigrate(&types.Document{}, &types.PipelineJob{}, &types.AnalysisArtifact{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg, err := config.Load(log)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Analysis.MaxAttempts = maxAttempts

	bucket := newMemBucket()
	adapter := &fakeAdapter{pages: []ExtractedPage{
		{Page: 1, Text: "Invoice for Dr. James Wilson, card 4111 1111 1111 1111."},
		{Page: 2, Text: "Contact: jwilson@example.com"},
	}}
	if client == nil {
		client = &fakeModelClient{replies: defaultReplies}
	}

	documentRepo := repos.NewDocumentRepo(gdb, log)
	jobRepo := repos.NewPipelineJobRepo(gdb, log)
	artifactRepo := repos.NewArtifactRepo(gdb, log)

	normalizer := NewNormalizerService(log, cfg.Normalizer, adapter)
	engine := NewPIIEngine(log, cfg.PII)
	analysis := NewAnalysisService(log, cfg.Analysis, client, NewMemoryAnalysisCache())
	svc := NewPipelineService(log, cfg, bucket, normalizer, engine, analysis, documentRepo, jobRepo, artifactRepo)

	return &pipelineFixture{
		svc:          svc,
		bucket:       bucket,
		adapter:      adapter,
		client:       client,
		documentRepo: documentRepo,
		jobRepo:      jobRepo,
		artifactRepo: artifactRepo,
		db:           gdb,
		log:          log,
		cfg:          cfg,
		normalizer:   normalizer,
		pii:          engine,
		analysis:     analysis,
	}
}

func TestPipelineFullRun(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	doc, job, err := fx.svc.Submit(ctx, "invoice.pdf", "application/pdf", []byte("%PDF-1.7 fake"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != types.JobStateCreated {
		t.Fatalf("new job status = %q", job.Status)
	}

	if err := fx.svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final, err := fx.svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != types.JobStateReady {
		t.Fatalf("status = %q, want ready (last_error=%q)", final.Status, final.LastError)
	}
	if final.SegmentsKey == "" || final.EntitiesKey == "" || final.ArtifactKey == "" {
		t.Fatalf("checkpoints missing: %+v", final)
	}
	if final.PIIEntityCount == 0 {
		t.Fatalf("expected PII entities in the fixture document")
	}

	artifact, err := fx.artifactRepo.GetLatestByDocument(ctx, nil, doc.ID)
	if err != nil || artifact == nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if artifact.Sentiment != "positive" {
		t.Fatalf("artifact sentiment = %q", artifact.Sentiment)
	}

	gotDoc, _ := fx.documentRepo.GetByID(ctx, nil, doc.ID)
	if gotDoc.PageCount != 2 {
		t.Fatalf("page count = %d, want 2", gotDoc.PageCount)
	}
}

func TestPipelineResumeSkipsCompletedStages(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	_, job, err := fx.svc.Submit(ctx, "doc.pdf", "application/pdf", []byte("%PDF bytes"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Simulate a crash after extraction: segments checkpoint persisted, job
	// row already in detecting_pii.
	segmented := segmentedFromText("resumed page text with jdoe@example.com")
	key := segmentsKey(job.ID)
	if err := uploadJSON(ctx, fx.bucket, key, segmented); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	if err := fx.jobRepo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"status":       types.JobStateDetectingPII,
		"segments_key": key,
	}); err != nil {
		t.Fatalf("seed job state: %v", err)
	}

	if err := fx.svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final, _ := fx.svc.GetJob(ctx, job.ID)
	if final.Status != types.JobStateReady {
		t.Fatalf("status = %q, want ready", final.Status)
	}
	if fx.adapter.calls != 0 {
		t.Fatalf("extraction re-ran on resume: %d calls", fx.adapter.calls)
	}
	if final.PIIEntityCount == 0 {
		t.Fatalf("PII stage did not run from the seeded checkpoint")
	}
}

func TestPipelineAnalysisFailureLeavesNoArtifact(t *testing.T) {
	client := &fakeModelClient{replies: func(user string) (string, error) {
		return "", &types.ModelCallError{Kind: types.ModelErrUpstream, StatusCode: 502, Message: "down"}
	}}
	fx := newPipelineFixture(t, 1, client)
	ctx := context.Background()

	doc, job, err := fx.svc.Submit(ctx, "doc.pdf", "application/pdf", []byte("%PDF bytes"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := fx.svc.Run(ctx, job.ID); err == nil {
		t.Fatalf("expected Run to surface the analysis failure")
	}

	final, _ := fx.svc.GetJob(ctx, job.ID)
	if final.Status != types.JobStateFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.FailedStage != types.JobStateAnalyzing {
		t.Fatalf("failed_stage = %q, want analyzing", final.FailedStage)
	}
	if final.LastError == "" {
		t.Fatalf("last_error not recorded")
	}

	artifact, _ := fx.artifactRepo.GetLatestByDocument(ctx, nil, doc.ID)
	if artifact != nil {
		t.Fatalf("failed analysis must not leave an artifact, got %+v", artifact)
	}
}

func TestPipelineAnalysisRetryStaysRunnable(t *testing.T) {
	var mu sync.Mutex
	failures := 1
	client := &fakeModelClient{replies: func(user string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return "", &types.ModelCallError{Kind: types.ModelErrUpstream, StatusCode: 502, Message: "blip"}
		}
		return defaultReplies(user)
	}}
	fx := newPipelineFixture(t, 3, client)
	ctx := context.Background()

	_, job, err := fx.svc.Submit(ctx, "doc.pdf", "application/pdf", []byte("%PDF bytes"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// First run: extract and PII succeed, analysis attempt 1 fails but
	// attempts remain, so the job stays in analyzing.
	if err := fx.svc.Run(ctx, job.ID); err == nil {
		t.Fatalf("expected first run to report the transient failure")
	}
	mid, _ := fx.svc.GetJob(ctx, job.ID)
	if mid.Status != types.JobStateAnalyzing {
		t.Fatalf("status after transient failure = %q, want analyzing", mid.Status)
	}
	if mid.LockedAt != nil {
		t.Fatalf("claim not released for retry")
	}

	// Second run resumes straight into analysis and succeeds.
	if err := fx.svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	final, _ := fx.svc.GetJob(ctx, job.ID)
	if final.Status != types.JobStateReady {
		t.Fatalf("status = %q, want ready", final.Status)
	}
	if final.AnalyzeAttempts != 2 {
		t.Fatalf("analyze_attempts = %d, want 2", final.AnalyzeAttempts)
	}
}

func TestSubmitDeduplicatesActiveJob(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	data := []byte("%PDF same bytes")
	doc1, job1, err := fx.svc.Submit(ctx, "a.pdf", "application/pdf", data, nil)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	doc2, job2, err := fx.svc.Submit(ctx, "b.pdf", "application/pdf", data, nil)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	if doc1.ID != doc2.ID {
		t.Fatalf("identical bytes created two documents")
	}
	if job1.ID != job2.ID {
		t.Fatalf("active job not reused: %s vs %s", job1.ID, job2.ID)
	}
}

func TestSubmitDeduplicatesReadyJob(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	data := []byte("%PDF ready bytes")
	_, job1, err := fx.svc.Submit(ctx, "a.pdf", "application/pdf", data, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := fx.svc.Run(ctx, job1.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	callsAfterRun := fx.client.callCount()

	_, job2, err := fx.svc.Submit(ctx, "b.pdf", "application/pdf", data, nil)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if job2.ID != job1.ID || job2.Status != types.JobStateReady {
		t.Fatalf("resubmission of processed bytes should return the ready job")
	}
	if fx.client.callCount() != callsAfterRun {
		t.Fatalf("dedupe still did model work")
	}
}

func TestSubmitAfterFailureCreatesFreshJob(t *testing.T) {
	client := &fakeModelClient{replies: func(user string) (string, error) {
		return "", &types.ModelCallError{Kind: types.ModelErrUpstream, StatusCode: 502, Message: "down"}
	}}
	fx := newPipelineFixture(t, 1, client)
	ctx := context.Background()

	data := []byte("%PDF failing bytes")
	_, job1, err := fx.svc.Submit(ctx, "a.pdf", "application/pdf", data, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_ = fx.svc.Run(ctx, job1.ID)

	_, job2, err := fx.svc.Submit(ctx, "a.pdf", "application/pdf", data, nil)
	if err != nil {
		t.Fatalf("resubmit after failure: %v", err)
	}
	if job2.ID == job1.ID {
		t.Fatalf("failed job reused instead of a fresh one")
	}
	if job2.Status != types.JobStateCreated {
		t.Fatalf("fresh job status = %q", job2.Status)
	}
}

func TestPipelineDetectPIIBlobErrorStaysRunnable(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	_, job, err := fx.svc.Submit(ctx, "doc.pdf", "application/pdf", []byte("%PDF bytes"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Park the job at the PII stage with a claimed row and a real segments
	// checkpoint, then make the next blob read time out.
	segmented := segmentedFromText("page text with jdoe@example.com")
	key := segmentsKey(job.ID)
	if err := uploadJSON(ctx, fx.bucket, key, segmented); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	if err := fx.jobRepo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"status":       types.JobStateDetectingPII,
		"segments_key": key,
		"locked_at":    time.Now(),
	}); err != nil {
		t.Fatalf("seed job state: %v", err)
	}
	fx.bucket.mu.Lock()
	fx.bucket.downloadFailures = 1
	fx.bucket.downloadErr = errors.New("blob read timeout")
	fx.bucket.mu.Unlock()

	if err := fx.svc.Run(ctx, job.ID); err == nil {
		t.Fatalf("expected the blob error to surface from Run")
	}

	mid, _ := fx.svc.GetJob(ctx, job.ID)
	if mid.Status != types.JobStateDetectingPII {
		t.Fatalf("status = %q, blob errors during PII detection must not fail the job", mid.Status)
	}
	if mid.LockedAt != nil {
		t.Fatalf("claim not released for retry")
	}
	if mid.LastError == "" {
		t.Fatalf("last_error not recorded")
	}

	// The next poll retries in place and finishes.
	if err := fx.svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	final, _ := fx.svc.GetJob(ctx, job.ID)
	if final.Status != types.JobStateReady {
		t.Fatalf("status after retry = %q, want ready", final.Status)
	}
	if final.PIIEntityCount == 0 {
		t.Fatalf("retry did not run detection")
	}
}

// staleReadDocumentRepo simulates a dedupe read that raced a concurrent
// insert: the first lookup misses even though the row exists.
type staleReadDocumentRepo struct {
	repos.DocumentRepo
	misses int
}

func (r *staleReadDocumentRepo) GetByContentHash(ctx context.Context, tx *gorm.DB, hash string) (*types.Document, error) {
	if r.misses > 0 {
		r.misses--
		return nil, nil
	}
	return r.DocumentRepo.GetByContentHash(ctx, tx, hash)
}

func TestSubmitRaceAdoptsExistingDocument(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	data := []byte("%PDF raced bytes")
	doc1, job1, err := fx.svc.Submit(ctx, "a.pdf", "application/pdf", data, nil)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	racedRepo := &staleReadDocumentRepo{DocumentRepo: fx.documentRepo, misses: 1}
	raced := NewPipelineService(fx.log, fx.cfg, fx.bucket, fx.normalizer, fx.pii, fx.analysis,
		racedRepo, fx.jobRepo, fx.artifactRepo)

	doc2, job2, err := raced.Submit(ctx, "b.pdf", "application/pdf", data, nil)
	if err != nil {
		t.Fatalf("raced Submit: %v", err)
	}
	if doc2.ID != doc1.ID {
		t.Fatalf("raced submit forked the document: %s vs %s", doc1.ID, doc2.ID)
	}
	if job2.ID != job1.ID {
		t.Fatalf("raced submit forked the job: %s vs %s", job1.ID, job2.ID)
	}

	var docCount int64
	if err := fx.db.Model(&types.Document{}).Count(&docCount).Error; err != nil {
		t.Fatalf("count documents: %v", err)
	}
	if docCount != 1 {
		t.Fatalf("document rows = %d, want 1", docCount)
	}

	// The loser's speculative original upload is cleaned up.
	originals := 0
	fx.bucket.mu.RLock()
	for key := range fx.bucket.objects {
		if strings.HasPrefix(key, "documents/") {
			originals++
		}
	}
	fx.bucket.mu.RUnlock()
	if originals != 1 {
		t.Fatalf("stored originals = %d, want 1", originals)
	}
}

func TestSecondActiveJobRejectedByIndex(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	_, job1, err := fx.svc.Submit(ctx, "doc.pdf", "application/pdf", []byte("%PDF bytes"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = fx.jobRepo.Create(ctx, nil, &types.PipelineJob{
		DocumentID:  job1.DocumentID,
		ContentHash: job1.ContentHash,
		Status:      types.JobStateCreated,
	})
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("err = %v, want ErrDuplicatedKey for a second active job", err)
	}

	// Once the first job finishes, the slot frees up again.
	if err := fx.svc.Run(ctx, job1.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := fx.jobRepo.Create(ctx, nil, &types.PipelineJob{
		DocumentID:  job1.DocumentID,
		ContentHash: job1.ContentHash,
		Status:      types.JobStateCreated,
	}); err != nil {
		t.Fatalf("job after a terminal predecessor: %v", err)
	}
}

func TestCancelObservedAtStageBoundary(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	_, job, err := fx.svc.Submit(ctx, "doc.pdf", "application/pdf", []byte("%PDF bytes"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	requested, err := fx.svc.Cancel(ctx, job.ID)
	if err != nil || !requested {
		t.Fatalf("Cancel: requested=%v err=%v", requested, err)
	}

	if err := fx.svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}

	final, _ := fx.svc.GetJob(ctx, job.ID)
	if final.Status != types.JobStateCancelled {
		t.Fatalf("status = %q, want cancelled", final.Status)
	}
	if fx.adapter.calls != 0 {
		t.Fatalf("cancelled job still ran extraction")
	}
	if final.FinishedAt == nil {
		t.Fatalf("finished_at not set on cancellation")
	}
}

func TestCancelTerminalJobRejected(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	_, job, err := fx.svc.Submit(ctx, "doc.pdf", "application/pdf", []byte("%PDF bytes"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := fx.svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	requested, err := fx.svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if requested {
		t.Fatalf("cancel accepted on a ready job")
	}
}

func TestGetJobNotFound(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	if _, err := fx.svc.GetJob(context.Background(), uuid.New()); !errors.Is(err, types.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestGetDocumentEntities(t *testing.T) {
	fx := newPipelineFixture(t, 4, nil)
	ctx := context.Background()

	doc, job, err := fx.svc.Submit(ctx, "doc.pdf", "application/pdf", []byte("%PDF bytes"), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Not ready yet.
	if _, err := fx.svc.GetDocumentEntities(ctx, doc.ID); !errors.Is(err, types.ErrDocumentNotReady) {
		t.Fatalf("err = %v, want ErrDocumentNotReady", err)
	}

	if err := fx.svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entities, err := fx.svc.GetDocumentEntities(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocumentEntities: %v", err)
	}
	var foundEmail bool
	for _, e := range entities {
		if e.Type == types.PIITypeEmail && strings.Contains(e.Value, "@") {
			foundEmail = true
		}
	}
	if !foundEmail {
		t.Fatalf("fixture email not among entities: %+v", entities)
	}
}
