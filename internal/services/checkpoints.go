package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// Checkpoint blobs live under a per-job prefix. Each stage writes its output
// before the job row advances, so a restarted worker can pick the job up at
// its recorded stage and read everything earlier stages produced.
func segmentsKey(jobID uuid.UUID) string { return fmt.Sprintf("jobs/%s/segments.json", jobID) }
func entitiesKey(jobID uuid.UUID) string { return fmt.Sprintf("jobs/%s/entities.json", jobID) }
func artifactKey(jobID uuid.UUID) string { return fmt.Sprintf("jobs/%s/artifact.json", jobID) }

func originalKey(documentID uuid.UUID) string {
	return fmt.Sprintf("documents/%s/original", documentID)
}

func uploadJSON(ctx context.Context, bucket BucketService, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %q: %w", key, err)
	}
	if err := bucket.UploadBytes(ctx, key, raw); err != nil {
		return fmt.Errorf("upload checkpoint %q: %w", key, err)
	}
	return nil
}

func downloadSegmentedText(ctx context.Context, bucket BucketService, key string) (*types.SegmentedText, error) {
	raw, err := bucket.DownloadBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	var st types.SegmentedText
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %q: %w", key, err)
	}
	return &st, nil
}

func downloadPIIEntities(ctx context.Context, bucket BucketService, key string) ([]types.PIIEntity, error) {
	raw, err := bucket.DownloadBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	var entities []types.PIIEntity
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("decode checkpoint %q: %w", key, err)
	}
	return entities, nil
}
