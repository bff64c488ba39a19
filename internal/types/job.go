package types

import (
	"time"

	"github.com/google/uuid"
)

// Pipeline job states. A job walks created -> extracting -> detecting_pii ->
// analyzing -> ready; failed and cancelled are terminal and reachable from
// any non-terminal state.
const (
	JobStateCreated      = "created"
	JobStateExtracting   = "extracting"
	JobStateDetectingPII = "detecting_pii"
	JobStateAnalyzing    = "analyzing"
	JobStateReady        = "ready"
	JobStateFailed       = "failed"
	JobStateCancelled    = "cancelled"
)

func IsTerminalJobState(s string) bool {
	return s == JobStateReady || s == JobStateFailed || s == JobStateCancelled
}

// PipelineJob is the resumable record of one pipeline run for one document.
// Mutated only through the pipeline service's transition functions; every
// transition persists before the next stage starts, so a restarted process
// resumes from the last checkpoint.
type PipelineJob struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	// The partial unique index enforces at most one unfinished job per
	// document; every terminal transition sets finished_at, which is what
	// frees the slot for a resubmission.
	DocumentID  uuid.UUID `gorm:"type:uuid;not null;index;index:idx_pipeline_jobs_one_active,unique,where:finished_at IS NULL" json:"document_id"`
	ContentHash string    `gorm:"type:text;not null;index" json:"content_hash"`
	Status      string    `gorm:"type:text;not null;index" json:"status"`

	// Stage checkpoints: blob keys written when a stage completes. A set key
	// means the stage does not re-run on resume.
	SegmentsKey string `gorm:"type:text" json:"-"`
	EntitiesKey string `gorm:"type:text" json:"-"`
	ArtifactKey string `gorm:"type:text" json:"-"`

	ExtractAttempts int `json:"-"`
	AnalyzeAttempts int `json:"-"`

	FailedStage string `gorm:"type:text" json:"failed_stage,omitempty"`
	LastError   string `gorm:"type:text" json:"last_error,omitempty"`

	PIIEntityCount  int  `json:"pii_entity_count"`
	CancelRequested bool `gorm:"not null;default:false" json:"-"`

	LockedAt    *time.Time `json:"-"`
	HeartbeatAt *time.Time `json:"-"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (PipelineJob) TableName() string { return "pipeline_jobs" }

// ChatSession grounds a conversation in one completed document artifact.
type ChatSession struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Chat message roles.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

type ChatMessage struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID    uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`
	Role         string    `gorm:"type:text;not null" json:"role"`
	Text         string    `gorm:"type:text;not null" json:"text"`
	ApproxTokens int       `json:"approx_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}
