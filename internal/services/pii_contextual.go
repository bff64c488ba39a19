package services

import (
	"regexp"
	"strings"

	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// Contextual detection finds names and addresses, which have no closed-form
// pattern. Candidates start at a low base confidence and earn more from
// each corroborating signal around them.
const (
	contextualBaseConfidence = 0.50
	contextualCap            = 0.90

	honorificBoost    = 0.25
	keywordBoost      = 0.15
	nameListBoost     = 0.20
	streetSuffixBoost = 0.25
)

var (
	// Two to three capitalized words, optionally preceded by an honorific.
	namePattern = regexp.MustCompile(`\b(?:(Mr|Mrs|Ms|Dr|Prof)\.?\s+)?([A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,2})\b`)

	// Street number followed by capitalized words ending in a street suffix.
	addressPattern = regexp.MustCompile(`\b\d{1,5}\s+(?:[A-Z][A-Za-z]*\s+){1,4}(Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Place|Pl|Way)\b\.?`)

	nameKeywords    = []string{"name:", "patient:", "applicant:", "employee:", "signed by", "attention:", "attn:", "dear"}
	addressKeywords = []string{"address:", "residing at", "located at", "ship to", "bill to"}

	// Short high-precision list; presence of a member boosts, absence says
	// nothing.
	commonFirstNames = map[string]struct{}{
		"james": {}, "john": {}, "robert": {}, "michael": {}, "william": {},
		"david": {}, "richard": {}, "joseph": {}, "thomas": {}, "charles": {},
		"mary": {}, "patricia": {}, "jennifer": {}, "linda": {}, "elizabeth": {},
		"barbara": {}, "susan": {}, "jessica": {}, "sarah": {}, "karen": {},
		"maria": {}, "nancy": {}, "lisa": {}, "margaret": {}, "sandra": {},
		"daniel": {}, "matthew": {}, "anthony": {}, "mark": {}, "steven": {},
	}
)

type contextualDetector struct{}

func newContextualDetector() *contextualDetector { return &contextualDetector{} }

func (d *contextualDetector) Detect(text string) []types.PIIEntity {
	var out []types.PIIEntity
	out = append(out, detectNames(text)...)
	out = append(out, detectAddresses(text)...)
	return out
}

func detectNames(text string) []types.PIIEntity {
	var out []types.PIIEntity
	for _, m := range namePattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[0], m[1]
		hasHonorific := m[2] >= 0
		nameStart := m[4]

		confidence := contextualBaseConfidence
		if hasHonorific {
			confidence += honorificBoost
		}
		if precededByKeyword(text, start, nameKeywords) {
			confidence += keywordBoost
		}
		first := strings.ToLower(firstWord(text[nameStart:m[5]]))
		if _, ok := commonFirstNames[first]; ok {
			confidence += nameListBoost
		}
		if confidence > contextualCap {
			confidence = contextualCap
		}

		out = append(out, types.PIIEntity{
			Type:       types.PIITypeName,
			Start:      start,
			End:        end,
			Value:      text[start:end],
			Confidence: confidence,
			Method:     types.PIIMethodContextual,
		})
	}
	return out
}

func detectAddresses(text string) []types.PIIEntity {
	var out []types.PIIEntity
	for _, loc := range addressPattern.FindAllStringIndex(text, -1) {
		confidence := contextualBaseConfidence + streetSuffixBoost
		if precededByKeyword(text, loc[0], addressKeywords) {
			confidence += keywordBoost
		}
		if confidence > contextualCap {
			confidence = contextualCap
		}
		out = append(out, types.PIIEntity{
			Type:       types.PIITypeAddress,
			Start:      loc[0],
			End:        loc[1],
			Value:      text[loc[0]:loc[1]],
			Confidence: confidence,
			Method:     types.PIIMethodContextual,
		})
	}
	return out
}

// precededByKeyword checks the 40 characters before the span for one of the
// given cue phrases.
func precededByKeyword(text string, start int, keywords []string) bool {
	windowStart := start - 40
	if windowStart < 0 {
		windowStart = 0
	}
	window := strings.ToLower(text[windowStart:start])
	for _, kw := range keywords {
		if strings.Contains(window, kw) {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return s[:i]
	}
	return s
}
