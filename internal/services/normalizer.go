package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sanjoekurian/sdpip-backend/internal/config"
	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// NormalizerService validates an upload and turns provider OCR output into
// the canonical SegmentedText. Normalization is deterministic: the same
// bytes always produce the same segments and offsets, which is what lets
// downstream artifacts be keyed by content hash.
type NormalizerService interface {
	ValidateUpload(mimeType string, sizeBytes int64) error
	Normalize(ctx context.Context, documentID uuid.UUID, data []byte, mimeType string) (*types.SegmentedText, error)
}

type normalizerService struct {
	log     *logger.Logger
	cfg     config.NormalizerConfig
	adapter ExtractionAdapter
}

func NewNormalizerService(log *logger.Logger, cfg config.NormalizerConfig, adapter ExtractionAdapter) NormalizerService {
	return &normalizerService{
		log:     log.With("service", "NormalizerService"),
		cfg:     cfg,
		adapter: adapter,
	}
}

func (s *normalizerService) ValidateUpload(mimeType string, sizeBytes int64) error {
	allowed := false
	for _, m := range s.cfg.AllowedMimeTypes {
		if strings.EqualFold(m, mimeType) {
			allowed = true
			break
		}
	}
	if !allowed {
		return types.ErrUnsupportedFormat
	}
	if s.cfg.MaxUploadBytes > 0 && sizeBytes > s.cfg.MaxUploadBytes {
		return fmt.Errorf("upload of %d bytes exceeds limit of %d: %w", sizeBytes, s.cfg.MaxUploadBytes, types.ErrUnsupportedFormat)
	}
	return nil
}

func (s *normalizerService) Normalize(ctx context.Context, documentID uuid.UUID, data []byte, mimeType string) (*types.SegmentedText, error) {
	if err := s.ValidateUpload(mimeType, int64(len(data))); err != nil {
		return nil, err
	}

	pages, err := s.adapter.Extract(ctx, data, mimeType)
	if err != nil {
		if err == types.ErrUnsupportedFormat {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrExtractionFailed, err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: provider returned no pages", types.ErrExtractionFailed)
	}

	segments := buildSegments(pages)

	allEmpty := true
	for _, seg := range segments {
		if seg.Text != "" {
			allEmpty = false
			break
		}
	}
	if allEmpty {
		return nil, fmt.Errorf("%w: no text on any page", types.ErrExtractionFailed)
	}

	textLen := 0
	for i, seg := range segments {
		if i > 0 {
			textLen++ // separator newline
		}
		textLen += len(seg.Text)
	}

	st := &types.SegmentedText{
		DocumentID: documentID,
		Segments:   segments,
		TextLength: textLen,
		CreatedAt:  time.Now().UTC(),
	}

	s.log.Info("Document normalized",
		"document_id", documentID.String(),
		"pages", len(segments),
		"text_length", textLen,
	)
	return st, nil
}

// buildSegments cleans each page and assigns offsets into the logical full
// text (pages joined by a single newline that belongs to neither page).
// Empty pages are kept as empty segments so page numbering stays dense.
func buildSegments(pages []ExtractedPage) []types.Segment {
	segments := make([]types.Segment, 0, len(pages))
	offset := 0
	for i, p := range pages {
		if i > 0 {
			offset++
		}
		text := cleanPageText(p.Text)
		page := p.Page
		if page == 0 {
			page = i + 1
		}
		segments = append(segments, types.Segment{
			Page:        page,
			Text:        text,
			StartOffset: offset,
			EndOffset:   offset + len(text),
			Width:       p.Width,
			Height:      p.Height,
			Confidence:  p.Confidence,
		})
		offset += len(text)
	}
	return segments
}

// cleanPageText normalizes line endings, strips control characters OCR
// providers occasionally emit, and trims trailing whitespace per line.
func cleanPageText(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}

	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Join(lines, "\n")

	// Collapse runs of blank lines that OCR tends to produce.
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}
