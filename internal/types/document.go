package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Document is the immutable record of one uploaded file. Downstream
// artifacts reference it by ID and never copy it. The content hash is
// unique: identical bytes always map to one document row, and the index is
// what makes concurrent duplicate uploads collide instead of forking.
type Document struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OriginalName string         `gorm:"type:text;not null" json:"original_name"`
	MimeType     string         `gorm:"type:text;not null" json:"mime_type"`
	SizeBytes    int64          `gorm:"not null" json:"size_bytes"`
	ContentHash  string         `gorm:"type:text;not null;uniqueIndex" json:"content_hash"`
	StorageKey   string         `gorm:"type:text;not null" json:"storage_key"`
	PageCount    int            `json:"page_count"`
	Metadata     datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Segment is one page worth of extracted text with its stable offsets into
// the logical full-text concatenation.
type Segment struct {
	Page        int     `json:"page"`
	Text        string  `json:"text"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// SegmentedText is the canonical extraction output for one document.
// Produced once by the normalizer and blob-persisted; never mutated.
type SegmentedText struct {
	DocumentID uuid.UUID `json:"document_id"`
	Segments   []Segment `json:"segments"`
	TextLength int       `json:"text_length"`
	CreatedAt  time.Time `json:"created_at"`
}

// FullText reassembles the logical concatenation the segment offsets refer
// to. Segments are separated by a single newline that belongs to neither.
func (st *SegmentedText) FullText() string {
	var b strings.Builder
	b.Grow(st.TextLength)
	for i, seg := range st.Segments {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

// PII entity types.
const (
	PIITypeSSN        = "SSN"
	PIITypeCreditCard = "CREDIT_CARD"
	PIITypeEmail      = "EMAIL"
	PIITypePhone      = "PHONE"
	PIITypeName       = "NAME"
	PIITypeAddress    = "ADDRESS"
)

// PII detection method tags.
const (
	PIIMethodPattern    = "pattern"
	PIIMethodContextual = "contextual"
	PIIMethodCombined   = "combined"
)

// PIIEntity is one detected sensitive span. Offsets address the logical
// full text of the document's SegmentedText.
type PIIEntity struct {
	Type          string  `json:"type"`
	Start         int     `json:"start"`
	End           int     `json:"end"`
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
	Method        string  `json:"method"`
	LowConfidence bool    `json:"low_confidence"`
}

// AnalysisArtifact is the structured output of AI analysis for one document
// version. Rows are append-only; a retried analysis writes a new attempt.
type AnalysisArtifact struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"document_id"`
	ContentHash    string         `gorm:"type:text;not null;index" json:"content_hash"`
	Summary        string         `gorm:"type:text;not null" json:"summary"`
	Themes         datatypes.JSON `gorm:"type:jsonb" json:"themes"`
	Sentiment      string         `gorm:"type:text" json:"sentiment"`
	Model          string         `gorm:"type:text" json:"model"`
	ChunkCount     int            `json:"chunk_count"`
	ApproxTokens   int            `json:"approx_tokens"`
	Attempt        int            `json:"attempt"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ThemeList decodes the Themes JSON column.
func (a *AnalysisArtifact) ThemeList() []string {
	out := []string{}
	if len(a.Themes) == 0 {
		return out
	}
	_ = json.Unmarshal(a.Themes, &out)
	return out
}
