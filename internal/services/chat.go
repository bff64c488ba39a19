package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sanjoekurian/sdpip-backend/internal/config"
	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/repos"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// Tokens reserved for prompt scaffolding around the variable sections.
const chatPromptOverheadTokens = 200

// ChatService manages document-grounded Q&A sessions. Sessions only open
// against documents whose pipeline has reached ready; every answer is
// grounded in the document text plus its analysis summary.
type ChatService interface {
	CreateSession(ctx context.Context, documentID uuid.UUID) (*types.ChatSession, error)
	Ask(ctx context.Context, sessionID uuid.UUID, question string) (*types.ChatMessage, error)
	History(ctx context.Context, sessionID uuid.UUID) ([]*types.ChatMessage, error)
}

type chatService struct {
	log          *logger.Logger
	cfg          config.ChatConfig
	client       OpenAIClient
	bucket       BucketService
	documentRepo repos.DocumentRepo
	jobRepo      repos.PipelineJobRepo
	artifactRepo repos.ArtifactRepo
	sessionRepo  repos.ChatSessionRepo
}

func NewChatService(
	log *logger.Logger,
	cfg config.ChatConfig,
	client OpenAIClient,
	bucket BucketService,
	documentRepo repos.DocumentRepo,
	jobRepo repos.PipelineJobRepo,
	artifactRepo repos.ArtifactRepo,
	sessionRepo repos.ChatSessionRepo,
) ChatService {
	return &chatService{
		log:          log.With("service", "ChatService"),
		cfg:          cfg,
		client:       client,
		bucket:       bucket,
		documentRepo: documentRepo,
		jobRepo:      jobRepo,
		artifactRepo: artifactRepo,
		sessionRepo:  sessionRepo,
	}
}

func (s *chatService) CreateSession(ctx context.Context, documentID uuid.UUID) (*types.ChatSession, error) {
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

	session, err := s.sessionRepo.CreateSession(ctx, nil, &types.ChatSession{DocumentID: documentID})
	if err != nil {
		return nil, err
	}
	s.log.Info("Chat session created", "session_id", session.ID.String(), "document_id", documentID.String())
	return session, nil
}

func (s *chatService) History(ctx context.Context, sessionID uuid.UUID) ([]*types.ChatMessage, error) {
	session, err := s.sessionRepo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, types.ErrSessionNotFound
	}
	return s.sessionRepo.ListMessages(ctx, nil, sessionID)
}

// Ask answers one question. The question/answer pair is appended to history
// only after the model call succeeds, so a failed or cancelled turn leaves
// the session exactly as it was.
func (s *chatService) Ask(ctx context.Context, sessionID uuid.UUID, question string) (*types.ChatMessage, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("empty question")
	}

	session, err := s.sessionRepo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, types.ErrSessionNotFound
	}

	docText, summary, err := s.loadGrounding(ctx, session.DocumentID)
	if err != nil {
		return nil, err
	}
	history, err := s.sessionRepo.ListMessages(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}

	prompt := buildChatPrompt(s.cfg.ContextTokens, docText, summary, history, question)

	answer, err := s.client.Complete(ctx,
		"You answer questions about one specific document. Ground every answer in the document content provided; say so plainly when the document does not contain the answer.",
		prompt,
		s.cfg.AnswerTokens,
	)
	if err != nil {
		return nil, err
	}

	userMsg := &types.ChatMessage{
		SessionID:    sessionID,
		Role:         types.ChatRoleUser,
		Text:         question,
		ApproxTokens: approxTokens(question),
	}
	assistantMsg := &types.ChatMessage{
		SessionID:    sessionID,
		Role:         types.ChatRoleAssistant,
		Text:         answer,
		ApproxTokens: approxTokens(answer),
	}
	if err := s.sessionRepo.AppendMessages(ctx, nil, []*types.ChatMessage{userMsg, assistantMsg}); err != nil {
		return nil, err
	}
	return assistantMsg, nil
}

func (s *chatService) loadGrounding(ctx context.Context, documentID uuid.UUID) (string, string, error) {
	doc, err := s.documentRepo.GetByID(ctx, nil, documentID)
	if err != nil {
		return "", "", err
	}
	if doc == nil {
		return "", "", types.ErrDocumentNotReady
	}
	ready, err := s.jobRepo.GetReadyByContentHash(ctx, nil, doc.ContentHash)
	if err != nil {
		return "", "", err
	}
	if ready == nil || ready.SegmentsKey == "" {
		return "", "", types.ErrDocumentNotReady
	}

	segmented, err := downloadSegmentedText(ctx, s.bucket, ready.SegmentsKey)
	if err != nil {
		return "", "", err
	}

	summary := ""
	if artifact, aErr := s.artifactRepo.GetLatestByDocument(ctx, nil, documentID); aErr == nil && artifact != nil {
		summary = artifact.Summary
	}
	return segmented.FullText(), summary, nil
}

// buildChatPrompt assembles the user prompt within the context budget. The
// summary and the question are always kept whole; the remaining budget is
// split between document text (truncated at the end) and history (oldest
// question/answer pairs dropped first).
func buildChatPrompt(contextTokens int, docText, summary string, history []*types.ChatMessage, question string) string {
	remaining := contextTokens - approxTokens(summary) - approxTokens(question) - chatPromptOverheadTokens
	if remaining < 0 {
		remaining = 0
	}

	docBudget := remaining
	histBudget := 0
	if len(history) > 0 {
		docBudget = remaining / 2
		histBudget = remaining - docBudget
	}

	kept := trimHistory(history, histBudget)
	// Budget not used by history flows back to the document text.
	docBudget = remaining - historyTokens(kept)

	if maxChars := docBudget * 4; len(docText) > maxChars {
		docText = docText[:maxChars]
	}

	var b strings.Builder
	if summary != "" {
		b.WriteString("Document summary:\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	b.WriteString("Document text (may be truncated):\n")
	b.WriteString(docText)
	b.WriteString("\n\n")
	if len(kept) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range kept {
			role := "User"
			if m.Role == types.ChatRoleAssistant {
				role = "Assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, m.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// trimHistory drops whole question/answer pairs from the front until the
// rest fits the budget. Dropping pairs rather than single messages keeps
// every kept question next to its answer.
func trimHistory(history []*types.ChatMessage, budgetTokens int) []*types.ChatMessage {
	kept := history
	for len(kept) > 0 && historyTokens(kept) > budgetTokens {
		drop := 1
		if len(kept) >= 2 && kept[0].Role == types.ChatRoleUser && kept[1].Role == types.ChatRoleAssistant {
			drop = 2
		}
		kept = kept[drop:]
	}
	return kept
}

func historyTokens(msgs []*types.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		t := m.ApproxTokens
		if t == 0 {
			t = approxTokens(m.Text)
		}
		total += t
	}
	return total
}
