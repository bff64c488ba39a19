package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/sanjoekurian/sdpip-backend/internal/config"
	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

type fakeAdapter struct {
	pages []ExtractedPage
	err   error
	calls int
}

func (f *fakeAdapter) Extract(ctx context.Context, data []byte, mimeType string) ([]ExtractedPage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

func (f *fakeAdapter) Close() error { return nil }

func testNormalizer(t *testing.T, adapter ExtractionAdapter) NormalizerService {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewNormalizerService(log, config.NormalizerConfig{
		AllowedMimeTypes: []string{"application/pdf", "image/jpeg", "image/png"},
		MaxUploadBytes:   1024,
	}, adapter)
}

func TestNormalizeOffsetsAndFullText(t *testing.T) {
	adapter := &fakeAdapter{pages: []ExtractedPage{
		{Page: 1, Text: "first page"},
		{Page: 2, Text: "second page"},
		{Page: 3, Text: "third"},
	}}
	n := testNormalizer(t, adapter)

	docID := uuid.New()
	st, err := n.Normalize(context.Background(), docID, []byte("%PDF"), "application/pdf")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(st.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(st.Segments))
	}

	full := st.FullText()
	if len(full) != st.TextLength {
		t.Fatalf("TextLength = %d, full text len = %d", st.TextLength, len(full))
	}
	for _, seg := range st.Segments {
		if full[seg.StartOffset:seg.EndOffset] != seg.Text {
			t.Fatalf("segment page %d offsets [%d:%d] do not address its text", seg.Page, seg.StartOffset, seg.EndOffset)
		}
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	adapter := &fakeAdapter{pages: []ExtractedPage{
		{Page: 1, Text: "alpha\r\nbeta\r\n"},
		{Page: 2, Text: "gamma\n\n\n\ndelta"},
	}}
	n := testNormalizer(t, adapter)

	docID := uuid.New()
	first, err := n.Normalize(context.Background(), docID, []byte("x"), "application/pdf")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	second, err := n.Normalize(context.Background(), docID, []byte("x"), "application/pdf")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if first.FullText() != second.FullText() {
		t.Fatalf("normalization not deterministic")
	}
	for i := range first.Segments {
		a, b := first.Segments[i], second.Segments[i]
		if a.StartOffset != b.StartOffset || a.EndOffset != b.EndOffset || a.Text != b.Text {
			t.Fatalf("segment %d differs between runs", i)
		}
	}
}

func TestNormalizeBlankPagesAmongTextKept(t *testing.T) {
	adapter := &fakeAdapter{pages: []ExtractedPage{
		{Page: 1, Text: ""},
		{Page: 2, Text: "only this page has text"},
	}}
	n := testNormalizer(t, adapter)

	st, err := n.Normalize(context.Background(), uuid.New(), []byte("x"), "application/pdf")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	// The blank page survives as an empty segment so numbering stays dense.
	if len(st.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(st.Segments))
	}
	if st.Segments[0].Text != "" || st.Segments[1].Text == "" {
		t.Fatalf("unexpected segment texts: %+v", st.Segments)
	}
}

func TestNormalizeAllPagesEmptyFails(t *testing.T) {
	adapter := &fakeAdapter{pages: []ExtractedPage{
		{Page: 1, Text: ""},
		{Page: 2, Text: "   \n  "},
	}}
	n := testNormalizer(t, adapter)

	_, err := n.Normalize(context.Background(), uuid.New(), []byte("x"), "application/pdf")
	if !errors.Is(err, types.ErrExtractionFailed) {
		t.Fatalf("err = %v, want ErrExtractionFailed for textless document", err)
	}
}

func TestNormalizeUnsupportedMime(t *testing.T) {
	adapter := &fakeAdapter{}
	n := testNormalizer(t, adapter)

	_, err := n.Normalize(context.Background(), uuid.New(), []byte("x"), "text/csv")
	if !errors.Is(err, types.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	if adapter.calls != 0 {
		t.Fatalf("adapter called for unsupported mime")
	}
}

func TestNormalizeOversizedUpload(t *testing.T) {
	adapter := &fakeAdapter{}
	n := testNormalizer(t, adapter)

	big := make([]byte, 2048)
	_, err := n.Normalize(context.Background(), uuid.New(), big, "application/pdf")
	if !errors.Is(err, types.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestNormalizeExtractionFailure(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("provider exploded")}
	n := testNormalizer(t, adapter)

	_, err := n.Normalize(context.Background(), uuid.New(), []byte("x"), "application/pdf")
	if !errors.Is(err, types.ErrExtractionFailed) {
		t.Fatalf("err = %v, want ErrExtractionFailed", err)
	}
}

func TestCleanPageText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "crlf_normalized", in: "a\r\nb", want: "a\nb"},
		{name: "control_chars_stripped", in: "a\x00b\x07c", want: "abc"},
		{name: "blank_runs_collapsed", in: "a\n\n\n\nb", want: "a\n\nb"},
		{name: "trailing_space_trimmed", in: "a   \nb\t\n", want: "a\nb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cleanPageText(tc.in); got != tc.want {
				t.Fatalf("cleanPageText(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
