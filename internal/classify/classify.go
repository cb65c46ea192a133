package classify

import (
	"regexp"
	"strings"

	"veilbox/internal/constants"
	"veilbox/internal/models"
)

// percentOffPattern matches discount-style percentage mentions such as
// "50% off" or "20 % discount".
var percentOffPattern = regexp.MustCompile(`\d{1,3}\s*%`)

// Classifier assigns a bucket to a message. It is pure and
// deterministic: the same message always maps to the same bucket, and
// every input maps to exactly one bucket with UNKNOWN as the fallback.
type Classifier struct {
	urgentKeywords        []string
	workSources           []string
	socialSources         []string
	financialSources      []string
	promotionalKeywords   []string
	transactionalKeywords []string
}

// NewClassifier creates a classifier from the configured keyword and
// source sets. Empty sets fall back to the built-in defaults so a
// minimal config still categorizes sensibly.
func NewClassifier(cfg models.CategorizerConfig) *Classifier {
	return &Classifier{
		urgentKeywords:        lowerAll(orDefault(cfg.UrgentKeywords, constants.DefaultUrgentKeywords)),
		workSources:           lowerAll(orDefault(cfg.WorkSources, constants.DefaultWorkSources)),
		socialSources:         lowerAll(orDefault(cfg.SocialSources, constants.DefaultSocialSources)),
		financialSources:      lowerAll(orDefault(cfg.FinancialSources, constants.DefaultFinancialSources)),
		promotionalKeywords:   lowerAll(orDefault(cfg.PromotionalKeywords, constants.DefaultPromotionalKeywords)),
		transactionalKeywords: lowerAll(orDefault(cfg.TransactionalKeywords, constants.DefaultTransactionalKeywords)),
	}
}

// Categorize maps a message to its bucket. Evaluation order is fixed,
// first match wins:
//
//  1. urgency keywords in the content, regardless of source
//  2. work sources
//  3. social sources
//  4. promotional keywords or percent-off patterns
//  5. transactional keywords or financial sources
//  6. UNKNOWN
func (c *Classifier) Categorize(msg *models.Message) models.Bucket {
	content := strings.ToLower(msg.OriginalContent)
	source := strings.ToLower(msg.Source)

	if containsAny(content, c.urgentKeywords) {
		return models.BucketUrgent
	}

	if sourceMatches(source, c.workSources) {
		return models.BucketWork
	}

	if sourceMatches(source, c.socialSources) {
		return models.BucketSocial
	}

	if containsAny(content, c.promotionalKeywords) || percentOffPattern.MatchString(content) {
		return models.BucketPromotional
	}

	if containsAny(content, c.transactionalKeywords) || sourceMatches(source, c.financialSources) {
		return models.BucketTransactional
	}

	return models.BucketUnknown
}

func containsAny(haystack string, needles []string) bool {
	if haystack == "" {
		return false
	}
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

// sourceMatches checks whether any configured source token occurs in
// the message source. Sources are opaque identifiers like
// "com.slack" or "sms", so token containment is the useful match.
func sourceMatches(source string, tokens []string) bool {
	if source == "" {
		return false
	}
	for _, token := range tokens {
		if strings.Contains(source, token) {
			return true
		}
	}
	return false
}

func orDefault(values, fallback []string) []string {
	if len(values) == 0 {
		return fallback
	}
	return values
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
