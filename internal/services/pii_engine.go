package services

import (
	"sort"

	"github.com/sanjoekurian/sdpip-backend/internal/config"
	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// PIIEngine runs both detector families over a document's full text and
// merges overlapping findings. Detection is pure computation and never
// fails: an empty result is a valid outcome, not an error.
type PIIEngine interface {
	Detect(text string) []types.PIIEntity
}

type piiEngine struct {
	log        *logger.Logger
	cfg        config.PIIConfig
	pattern    *patternDetector
	contextual *contextualDetector
}

func NewPIIEngine(log *logger.Logger, cfg config.PIIConfig) PIIEngine {
	return &piiEngine{
		log:        log.With("service", "PIIEngine"),
		cfg:        cfg,
		pattern:    newPatternDetector(),
		contextual: newContextualDetector(),
	}
}

func (e *piiEngine) Detect(text string) []types.PIIEntity {
	if text == "" {
		return []types.PIIEntity{}
	}

	raw := e.pattern.Detect(text)
	raw = append(raw, e.contextual.Detect(text)...)

	merged := mergeEntities(raw)
	for i := range merged {
		merged[i].LowConfidence = merged[i].Confidence < e.cfg.LowConfidenceThreshold
	}
	return merged
}

// mergeEntities resolves overlapping spans. Precedence: higher confidence,
// then longer span, then pattern over contextual. When the winner and an
// overlapping loser came from different detector families the winner is
// tagged combined. The merge is idempotent: running it over its own output
// changes nothing.
func mergeEntities(entities []types.PIIEntity) []types.PIIEntity {
	if len(entities) == 0 {
		return []types.PIIEntity{}
	}

	sorted := make([]types.PIIEntity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		return entityWins(sorted[i], sorted[j])
	})

	var kept []types.PIIEntity
	for _, cand := range sorted {
		absorbed := false
		for k := range kept {
			if cand.Start < kept[k].End && kept[k].Start < cand.End {
				if cand.Method != kept[k].Method && kept[k].Method != types.PIIMethodCombined {
					kept[k].Method = types.PIIMethodCombined
				}
				absorbed = true
				break
			}
		}
		if !absorbed {
			kept = append(kept, cand)
		}
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Start != kept[j].Start {
			return kept[i].Start < kept[j].Start
		}
		return kept[i].End < kept[j].End
	})
	return kept
}

func entityWins(a, b types.PIIEntity) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
		return la > lb
	}
	if a.Method != b.Method {
		return a.Method == types.PIIMethodPattern
	}
	return false
}
