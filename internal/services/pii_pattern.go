package services

import (
	"regexp"

	"github.com/sanjoekurian/sdpip-backend/internal/types"
)

// Pattern detection runs fixed regexes over the logical full text. Offsets
// are byte offsets into that text; the patterns are ASCII so byte and rune
// offsets coincide for the matched spans.
var (
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern      = regexp.MustCompile(`\b(\+\d{1,2}\s?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)
)

// Pattern confidences. Card numbers that fail the Luhn check are still
// reported, just well below the credible range.
const (
	confSSN           = 0.95
	confEmail         = 0.95
	confCreditCard    = 0.92
	confCreditCardRaw = 0.65
	confPhone         = 0.90
)

type patternDetector struct{}

func newPatternDetector() *patternDetector { return &patternDetector{} }

func (d *patternDetector) Detect(text string) []types.PIIEntity {
	var out []types.PIIEntity
	out = append(out, matchAll(text, ssnPattern, types.PIITypeSSN, confSSN)...)
	out = append(out, detectCreditCards(text)...)
	out = append(out, matchAll(text, emailPattern, types.PIITypeEmail, confEmail)...)
	out = append(out, matchAll(text, phonePattern, types.PIITypePhone, confPhone)...)
	return out
}

func matchAll(text string, pattern *regexp.Regexp, piiType string, confidence float64) []types.PIIEntity {
	var out []types.PIIEntity
	for _, loc := range pattern.FindAllStringIndex(text, -1) {
		out = append(out, types.PIIEntity{
			Type:       piiType,
			Start:      loc[0],
			End:        loc[1],
			Value:      text[loc[0]:loc[1]],
			Confidence: confidence,
			Method:     types.PIIMethodPattern,
		})
	}
	return out
}

func detectCreditCards(text string) []types.PIIEntity {
	var out []types.PIIEntity
	for _, loc := range creditCardPattern.FindAllStringIndex(text, -1) {
		value := text[loc[0]:loc[1]]
		confidence := confCreditCardRaw
		if luhnValid(value) {
			confidence = confCreditCard
		}
		out = append(out, types.PIIEntity{
			Type:       types.PIITypeCreditCard,
			Start:      loc[0],
			End:        loc[1],
			Value:      value,
			Confidence: confidence,
			Method:     types.PIIMethodPattern,
		})
	}
	return out
}

func luhnValid(value string) bool {
	var digits []int
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) != 16 {
		return false
	}
	sum := 0
	for i, d := range digits {
		if (len(digits)-i)%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
