package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// ArtifactRepo is append-only: a retried analysis writes a new attempt row
// rather than mutating the prior one.
type ArtifactRepo interface {
	Create(ctx context.Context, tx *gorm.DB, artifact *types.AnalysisArtifact) (*types.AnalysisArtifact, error)
	GetLatestByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) (*types.AnalysisArtifact, error)
	CountByContentHash(ctx context.Context, tx *gorm.DB, hash string) (int64, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{
		db:  db,
		log: baseLog.With("repo", "ArtifactRepo"),
	}
}

func (r *artifactRepo) Create(ctx context.Context, tx *gorm.DB, artifact *types.AnalysisArtifact) (*types.AnalysisArtifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if artifact == nil {
		return nil, nil
	}
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(artifact).Error; err != nil {
		return nil, err
	}
	return artifact, nil
}

func (r *artifactRepo) GetLatestByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) (*types.AnalysisArtifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if documentID == uuid.Nil {
		return nil, nil
	}
	var artifact types.AnalysisArtifact
	err := transaction.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Limit(1).
		Find(&artifact).Error
	if err != nil {
		return nil, err
	}
	if artifact.ID == uuid.Nil {
		return nil, nil
	}
	return &artifact, nil
}

func (r *artifactRepo) CountByContentHash(ctx context.Context, tx *gorm.DB, hash string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.AnalysisArtifact{}).
		Where("content_hash = ?", hash).
		Count(&n).Error
	return n, err
}
