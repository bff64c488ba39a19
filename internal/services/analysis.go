package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sanjoekurian/sdpip-backend/internal/config"
	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// AnalysisResult is the structured output of one full analysis pass.
type AnalysisResult struct {
	Summary      string   `json:"summary"`
	Themes       []string `json:"themes"`
	Sentiment    string   `json:"sentiment"`
	Model        string   `json:"model"`
	ChunkCount   int      `json:"chunk_count"`
	ApproxTokens int      `json:"approx_tokens"`
}

// AnalysisService runs summary, theme and sentiment extraction over a
// document. Large documents go through chunked map/reduce; results are
// cached by content hash and model.
type AnalysisService interface {
	Analyze(ctx context.Context, segmented *types.SegmentedText, contentHash string) (*AnalysisResult, error)
}

type analysisService struct {
	log    *logger.Logger
	cfg    config.AnalysisConfig
	client OpenAIClient
	cache  AnalysisCache
}

func NewAnalysisService(log *logger.Logger, cfg config.AnalysisConfig, client OpenAIClient, cache AnalysisCache) AnalysisService {
	return &analysisService{
		log:    log.With("service", "AnalysisService"),
		cfg:    cfg,
		client: client,
		cache:  cache,
	}
}

// approxTokens estimates token count with the 4-characters-per-token
// heuristic. Good enough for budgeting, never used for billing.
func approxTokens(text string) int {
	return len(text) / 4
}

func (s *analysisService) cacheKey(contentHash string) string {
	return fmt.Sprintf("analysis:%s:%s", contentHash, s.client.Model())
}

func (s *analysisService) Analyze(ctx context.Context, segmented *types.SegmentedText, contentHash string) (*AnalysisResult, error) {
	fullText := segmented.FullText()
	if strings.TrimSpace(fullText) == "" {
		// A readable but textless document yields an empty analysis rather
		// than a model round-trip.
		return &AnalysisResult{
			Summary:   "",
			Themes:    []string{},
			Sentiment: "neutral",
			Model:     s.client.Model(),
		}, nil
	}

	key := s.cacheKey(contentHash)
	if cached, ok := s.cache.Get(ctx, key); ok {
		s.log.Info("Analysis cache hit", "content_hash", contentHash)
		return cached, nil
	}

	chunks := chunkSegments(segmented.Segments, s.cfg.ChunkTokens, s.cfg.OverlapTokens)
	s.log.Info("Analysis starting",
		"content_hash", contentHash,
		"chunks", len(chunks),
		"approx_tokens", approxTokens(fullText),
	)

	var summary string
	var err error
	if len(chunks) <= 1 {
		summary, err = s.summarize(ctx, fullText)
	} else {
		summary, err = s.mapReduce(ctx, chunks)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAnalysisFailed, err)
	}
	summary = cleanSummaryText(summary)

	sentiment, themes, err := s.classify(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAnalysisFailed, err)
	}

	result := &AnalysisResult{
		Summary:      summary,
		Themes:       themes,
		Sentiment:    sentiment,
		Model:        s.client.Model(),
		ChunkCount:   len(chunks),
		ApproxTokens: approxTokens(fullText),
	}

	s.cache.Set(ctx, key, result, time.Duration(s.cfg.CacheTTLHours)*time.Hour)
	return result, nil
}

func (s *analysisService) summarize(ctx context.Context, text string) (string, error) {
	return s.client.Complete(ctx,
		"You are a document analyst. Be factual and concise.",
		fmt.Sprintf("Provide a concise summary of the following document, preserving key facts, figures and conclusions:\n\n%s", text),
		s.cfg.SummaryTokens,
	)
}

// mapReduce summarizes each chunk concurrently, then reduces the partial
// summaries into one. Reduce only runs once every partial succeeded; one
// chunk exhausting its retries fails the whole pass.
func (s *analysisService) mapReduce(ctx context.Context, chunks []string) (string, error) {
	partials := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MapConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			partial, err := s.client.Complete(gctx,
				"You are a document analyst. Be factual and concise.",
				fmt.Sprintf("Summarize this portion of a larger document in a few sentences, preserving key facts:\n\n%s", chunk),
				s.cfg.SummaryTokens,
			)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			partials[i] = partial
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var joined strings.Builder
	for i, p := range partials {
		fmt.Fprintf(&joined, "Part %d:\n%s\n\n", i+1, p)
	}

	return s.client.Complete(ctx,
		"You are a document analyst. Be factual and concise.",
		fmt.Sprintf("The following are summaries of consecutive parts of one document. Combine them into a single coherent summary of the whole document:\n\n%s", joined.String()),
		s.cfg.SummaryTokens,
	)
}

var sentimentJSONPattern = regexp.MustCompile(`\{[^{}]*"sentiment"[^{}]*\}`)

type sentimentPayload struct {
	Sentiment string   `json:"sentiment"`
	Themes    []string `json:"themes"`
}

// classify asks for sentiment and themes as JSON. Models wrap JSON in prose
// often enough that a regex rescue pass runs before giving up; an
// unparseable reply degrades to neutral with no themes instead of failing
// the stage.
func (s *analysisService) classify(ctx context.Context, summary string) (string, []string, error) {
	reply, err := s.client.Complete(ctx,
		"You are a document analyst. Respond with JSON only.",
		fmt.Sprintf(`Given this document summary, respond with a JSON object of the form {"sentiment": "positive"|"negative"|"neutral", "themes": ["..."]} listing up to 5 key themes:

%s`, summary),
		s.cfg.SummaryTokens,
	)
	if err != nil {
		return "", nil, err
	}

	payload, ok := parseSentimentReply(reply)
	if !ok {
		s.log.Warn("Sentiment reply unparseable, defaulting to neutral", "reply_prefix", truncate(reply, 120))
		return "neutral", []string{}, nil
	}
	return payload.Sentiment, payload.Themes, nil
}

func parseSentimentReply(reply string) (*sentimentPayload, bool) {
	try := func(raw string) (*sentimentPayload, bool) {
		var p sentimentPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, false
		}
		switch p.Sentiment {
		case "positive", "negative", "neutral":
		default:
			return nil, false
		}
		if p.Themes == nil {
			p.Themes = []string{}
		}
		return &p, true
	}

	if p, ok := try(strings.TrimSpace(reply)); ok {
		return p, true
	}
	if m := sentimentJSONPattern.FindString(reply); m != "" {
		if p, ok := try(m); ok {
			return p, true
		}
	}
	return nil, false
}

// chunkSegments packs segments into chunks of roughly maxTokens, splitting
// along segment boundaries. The tail of each chunk (about overlapTokens) is
// repeated at the head of the next so no statement is summarized without
// its surrounding context.
func chunkSegments(segments []types.Segment, maxTokens, overlapTokens int) []string {
	maxChars := maxTokens * 4
	overlapChars := overlapTokens * 4

	var pieces []string
	for _, seg := range segments {
		text := seg.Text
		// A single oversized segment is split by characters as a fallback.
		for len(text) > maxChars {
			pieces = append(pieces, text[:maxChars])
			text = text[maxChars:]
		}
		if text != "" {
			pieces = append(pieces, text)
		}
	}

	var chunks []string
	var current strings.Builder
	for _, piece := range pieces {
		if current.Len() > 0 && current.Len()+1+len(piece) > maxChars {
			chunk := current.String()
			chunks = append(chunks, chunk)
			current.Reset()
			if overlapChars > 0 {
				tail := chunk
				if len(tail) > overlapChars {
					tail = tail[len(tail)-overlapChars:]
				}
				current.WriteString(tail)
			}
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(piece)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}

// cleanSummaryText strips the scaffolding models put around summaries.
func cleanSummaryText(text string) string {
	text = strings.TrimSpace(text)
	for _, prefix := range []string{"Summary:", "SUMMARY:", "Here is a summary:", "Here's a summary:"} {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimSpace(strings.TrimPrefix(text, prefix))
		}
	}
	text = strings.Trim(text, "\"")
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
