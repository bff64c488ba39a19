package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// ExtractedPage is one page of provider output before normalization. Page
// numbers are 1-based and providers may legitimately return empty text for
// blank pages.
type ExtractedPage struct {
	Page       int
	Text       string
	Width      float64
	Height     float64
	Confidence float64
}

// ExtractionAdapter turns raw document bytes into per-page text. Adapters
// wrap one OCR provider each; routing by mime type happens in the composite.
type ExtractionAdapter interface {
	Extract(ctx context.Context, data []byte, mimeType string) ([]ExtractedPage, error)
	Close() error
}

// ---- Document AI (PDF) ----

type docAIAdapter struct {
	log       *logger.Logger
	client    *documentai.DocumentProcessorClient
	processor string
}

func NewDocAIAdapter(log *logger.Logger) (ExtractionAdapter, error) {
	slog := log.With("service", "DocAIAdapter")

	project := strings.TrimSpace(os.Getenv("GCP_PROJECT_ID"))
	location := strings.TrimSpace(os.Getenv("DOCUMENTAI_LOCATION"))
	processorID := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_ID"))
	version := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_VERSION"))
	if location == "" {
		location = "us"
	}
	if project == "" || processorID == "" {
		return nil, fmt.Errorf("missing GCP_PROJECT_ID or DOCUMENTAI_PROCESSOR_ID")
	}

	processor := fmt.Sprintf("projects/%s/locations/%s/processors/%s", project, location, processorID)
	if version != "" {
		processor += "/processorVersions/" + version
	}

	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	opts := []option.ClientOption{option.WithEndpoint(endpoint)}
	if creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	} else {
		slog.Warn("GOOGLE_APPLICATION_CREDENTIALS_JSON not set, relying on ADC")
	}

	client, err := documentai.NewDocumentProcessorClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	return &docAIAdapter{
		log:       slog,
		client:    client,
		processor: processor,
	}, nil
}

func (a *docAIAdapter) Extract(ctx context.Context, data []byte, mimeType string) ([]ExtractedPage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document bytes")
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	req := &documentaipb.ProcessRequest{
		Name: a.processor,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
		FieldMask: &fieldmaskpb.FieldMask{Paths: []string{"text", "pages"}},
	}

	resp, err := a.client.ProcessDocument(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("documentai process: %w", err)
	}
	doc := resp.GetDocument()
	if doc == nil {
		return nil, fmt.Errorf("documentai returned no document")
	}
	return docAIPages(doc), nil
}

func (a *docAIAdapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// docAIPages rebuilds per-page text from the shared document text via the
// page layout anchors. Pages with no anchored text come back empty rather
// than dropped so page numbering stays dense.
func docAIPages(doc *documentaipb.Document) []ExtractedPage {
	full := doc.GetText()
	pages := make([]ExtractedPage, 0, len(doc.GetPages()))

	for i, p := range doc.GetPages() {
		if p == nil {
			continue
		}
		num := int(p.GetPageNumber())
		if num == 0 {
			num = i + 1
		}

		page := ExtractedPage{Page: num}
		if dim := p.GetDimension(); dim != nil {
			page.Width = float64(dim.GetWidth())
			page.Height = float64(dim.GetHeight())
		}
		if layout := p.GetLayout(); layout != nil {
			page.Confidence = float64(layout.GetConfidence())
			page.Text = anchoredText(full, layout.GetTextAnchor())
		}
		pages = append(pages, page)
	}

	if len(pages) == 0 && strings.TrimSpace(full) != "" {
		pages = append(pages, ExtractedPage{Page: 1, Text: full})
	}
	return pages
}

func anchoredText(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil {
		return ""
	}
	var b strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start := int(seg.GetStartIndex())
		end := int(seg.GetEndIndex())
		if start < 0 || end > len(full) || start >= end {
			continue
		}
		b.WriteString(full[start:end])
	}
	return b.String()
}

// ---- Vision OCR (images) ----

type visionAdapter struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

func NewVisionAdapter(log *logger.Logger) (ExtractionAdapter, error) {
	slog := log.With("service", "VisionAdapter")

	ctx := context.Background()
	var client *vision.ImageAnnotatorClient
	var err error
	if creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); creds != "" {
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsFile(creds))
	} else {
		slog.Warn("GOOGLE_APPLICATION_CREDENTIALS_JSON not set, relying on ADC")
		client, err = vision.NewImageAnnotatorClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	return &visionAdapter{log: slog, client: client}, nil
}

func (a *visionAdapter) Extract(ctx context.Context, data []byte, mimeType string) ([]ExtractedPage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image bytes")
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: data},
			Features: []*visionpb.Feature{
				{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
			},
		}},
	}
	resp, err := a.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.GetResponses()) == 0 || resp.GetResponses()[0] == nil {
		// A readable but textless image is a valid single empty page.
		return []ExtractedPage{{Page: 1}}, nil
	}
	first := resp.GetResponses()[0]
	if e := first.GetError(); e != nil && e.GetMessage() != "" {
		return nil, fmt.Errorf("vision annotate error: %s", e.GetMessage())
	}
	return []ExtractedPage{visionPage(first.GetFullTextAnnotation())}, nil
}

// visionPage flattens a full-text annotation into the single page an image
// upload produces. A nil or textless annotation is a valid empty page.
func visionPage(fta *visionpb.TextAnnotation) ExtractedPage {
	page := ExtractedPage{Page: 1}
	if fta == nil {
		return page
	}
	page.Text = fta.GetText()
	if ps := fta.GetPages(); len(ps) > 0 && ps[0] != nil {
		page.Width = float64(ps[0].GetWidth())
		page.Height = float64(ps[0].GetHeight())
		page.Confidence = float64(ps[0].GetConfidence())
	}
	return page
}

func (a *visionAdapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// ---- Composite ----

type compositeAdapter struct {
	log    *logger.Logger
	pdf    ExtractionAdapter
	images ExtractionAdapter
}

// NewCompositeAdapter routes PDFs to Document AI and images to Vision OCR.
func NewCompositeAdapter(log *logger.Logger, pdf ExtractionAdapter, images ExtractionAdapter) ExtractionAdapter {
	return &compositeAdapter{
		log:    log.With("service", "CompositeAdapter"),
		pdf:    pdf,
		images: images,
	}
}

func (a *compositeAdapter) Extract(ctx context.Context, data []byte, mimeType string) ([]ExtractedPage, error) {
	switch {
	case mimeType == "application/pdf":
		return a.pdf.Extract(ctx, data, mimeType)
	case strings.HasPrefix(mimeType, "image/"):
		return a.images.Extract(ctx, data, mimeType)
	default:
		return nil, types.ErrUnsupportedFormat
	}
}

func (a *compositeAdapter) Close() error {
	if a.pdf != nil {
		_ = a.pdf.Close()
	}
	if a.images != nil {
		_ = a.images.Close()
	}
	return nil
}
