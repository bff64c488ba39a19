package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/repos"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// ReportService renders a plain-text processing report for a ready
// document: metadata, analysis output and PII counts. Values only, never
// the detected PII spans themselves.
type ReportService interface {
	Generate(ctx context.Context, documentID uuid.UUID) ([]byte, error)
}

type reportService struct {
	log          *logger.Logger
	bucket       BucketService
	documentRepo repos.DocumentRepo
	jobRepo      repos.PipelineJobRepo
	artifactRepo repos.ArtifactRepo
}

func NewReportService(
	log *logger.Logger,
	bucket BucketService,
	documentRepo repos.DocumentRepo,
	jobRepo repos.PipelineJobRepo,
	artifactRepo repos.ArtifactRepo,
) ReportService {
	return &reportService{
		log:          log.With("service", "ReportService"),
		bucket:       bucket,
		documentRepo: documentRepo,
		jobRepo:      jobRepo,
		artifactRepo: artifactRepo,
	}
}

func (s *reportService) Generate(ctx context.Context, documentID uuid.UUID) ([]byte, error) {
	doc, err := s.documentRepo.GetByID(ctx, nil, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, types.ErrDocumentNotReady
	}
	ready, err := s.jobRepo.GetReadyByContentHash(ctx, nil, doc.ContentHash)
	if err != nil {
		return nil, err
	}
	if ready == nil {
		return nil, types.ErrDocumentNotReady
	}

	artifact, err := s.artifactRepo.GetLatestByDocument(ctx, nil, documentID)
	if err != nil {
		return nil, err
	}

	var entities []types.PIIEntity
	if ready.EntitiesKey != "" {
		if loaded, dErr := downloadPIIEntities(ctx, s.bucket, ready.EntitiesKey); dErr == nil {
			entities = loaded
		} else {
			s.log.Warn("Report proceeding without PII detail", "job_id", ready.ID.String(), "error", dErr.Error())
		}
	}

	var b strings.Builder
	b.WriteString("DOCUMENT PROCESSING REPORT\n")
	b.WriteString("==========================\n\n")
	fmt.Fprintf(&b, "Document:      %s\n", doc.OriginalName)
	fmt.Fprintf(&b, "Document ID:   %s\n", doc.ID.String())
	fmt.Fprintf(&b, "MIME type:     %s\n", doc.MimeType)
	fmt.Fprintf(&b, "Size:          %d bytes\n", doc.SizeBytes)
	fmt.Fprintf(&b, "Pages:         %d\n", doc.PageCount)
	fmt.Fprintf(&b, "Content hash:  %s\n", doc.ContentHash)
	fmt.Fprintf(&b, "Original:      %s\n", s.bucket.GetPublicURL(doc.StorageKey))
	fmt.Fprintf(&b, "Processed at:  %s\n\n", ready.UpdatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))

	b.WriteString("ANALYSIS\n--------\n")
	if artifact != nil {
		fmt.Fprintf(&b, "Model:     %s\n", artifact.Model)
		fmt.Fprintf(&b, "Sentiment: %s\n", artifact.Sentiment)
		// Artifacts are append-only, so the row count is the number of
		// completed analysis runs for this content.
		if runs, cErr := s.artifactRepo.CountByContentHash(ctx, nil, doc.ContentHash); cErr == nil {
			fmt.Fprintf(&b, "Runs:      %d\n", runs)
		}
		themes := artifact.ThemeList()
		if len(themes) > 0 {
			fmt.Fprintf(&b, "Themes:    %s\n", strings.Join(themes, ", "))
		}
		fmt.Fprintf(&b, "\nSummary:\n%s\n\n", artifact.Summary)
	} else {
		b.WriteString("No analysis artifact recorded.\n\n")
	}

	b.WriteString("PII DETECTION\n-------------\n")
	fmt.Fprintf(&b, "Entities detected: %d\n", ready.PIIEntityCount)
	if len(entities) > 0 {
		counts := map[string]int{}
		lowConfidence := 0
		for _, e := range entities {
			counts[e.Type]++
			if e.LowConfidence {
				lowConfidence++
			}
		}
		piiTypes := make([]string, 0, len(counts))
		for t := range counts {
			piiTypes = append(piiTypes, t)
		}
		sort.Strings(piiTypes)
		for _, t := range piiTypes {
			fmt.Fprintf(&b, "  %-12s %d\n", t, counts[t])
		}
		fmt.Fprintf(&b, "Low confidence:    %d\n", lowConfidence)
	}

	return []byte(b.String()), nil
}
