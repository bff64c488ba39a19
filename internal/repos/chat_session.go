package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

type ChatSessionRepo interface {
	CreateSession(ctx context.Context, tx *gorm.DB, session *types.ChatSession) (*types.ChatSession, error)
	GetSession(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ChatSession, error)
	AppendMessages(ctx context.Context, tx *gorm.DB, msgs []*types.ChatMessage) error
	ListMessages(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.ChatMessage, error)
}

type chatSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatSessionRepo(db *gorm.DB, baseLog *logger.Logger) ChatSessionRepo {
	return &chatSessionRepo{
		db:  db,
		log: baseLog.With("repo", "ChatSessionRepo"),
	}
}

func (r *chatSessionRepo) CreateSession(ctx context.Context, tx *gorm.DB, session *types.ChatSession) (*types.ChatSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if session == nil {
		return nil, nil
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

func (r *chatSessionRepo) GetSession(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ChatSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var session types.ChatSession
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// AppendMessages writes the question/answer pair in one transaction so a
// question is never persisted without its answer.
func (r *chatSessionRepo) AppendMessages(ctx context.Context, tx *gorm.DB, msgs []*types.ChatMessage) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
	}
	return transaction.WithContext(ctx).Create(&msgs).Error
}

func (r *chatSessionRepo) ListMessages(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.ChatMessage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ChatMessage
	if sessionID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
