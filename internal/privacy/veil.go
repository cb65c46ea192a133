package privacy

import (
	"fmt"
	"strings"
	"unicode"

	"veilbox/internal/constants"
	"veilbox/internal/models"
)

// UnknownSender is the placeholder used when a sender name sanitizes
// down to nothing.
const UnknownSender = "Unknown"

// VeilGenerator produces the short, non-identifying display string
// shown in place of a message's raw content. It is pure and
// deterministic given the bucket, and its output never contains the
// original content, raw sender bytes, or secret-looking substrings.
type VeilGenerator struct {
	appDisplayNames map[string]string
}

// NewVeilGenerator creates a veil generator. A nil or empty display
// name table falls back to the built-in source mapping.
func NewVeilGenerator(cfg models.VeilConfig) *VeilGenerator {
	names := cfg.AppDisplayNames
	if len(names) == 0 {
		names = constants.DefaultAppDisplayNames
	}
	return &VeilGenerator{
		appDisplayNames: names,
	}
}

// Generate returns the veil for a message given its bucket.
// PROMOTIONAL, TRANSACTIONAL and UNKNOWN buckets use constants with
// the sender intentionally omitted.
func (v *VeilGenerator) Generate(msg *models.Message, bucket models.Bucket) string {
	switch bucket {
	case models.BucketUrgent:
		return fmt.Sprintf("Priority message from %s", SanitizeSender(msg.SenderDisplayName))
	case models.BucketWork:
		return fmt.Sprintf("Work notification from %s", v.workDisplayName(msg))
	case models.BucketSocial:
		return fmt.Sprintf("New message from %s", SanitizeSender(msg.SenderDisplayName))
	case models.BucketPromotional:
		return "Promotional content"
	case models.BucketTransactional:
		return "Account notification"
	default:
		return "New notification"
	}
}

// workDisplayName resolves the app display name for a work source,
// falling back to the sanitized sender when the source is unmapped.
func (v *VeilGenerator) workDisplayName(msg *models.Message) string {
	if name, ok := v.appDisplayNames[msg.Source]; ok {
		return name
	}
	if name, ok := v.appDisplayNames[strings.ToLower(msg.Source)]; ok {
		return name
	}
	return SanitizeSender(msg.SenderDisplayName)
}

// SanitizeSender reduces an attacker-influenced sender name to a safe
// alphanumeric token. The name is truncated at the first rune that is
// not a letter, digit or space, so injected markup or script fragments
// after the first suspicious byte never survive. A name that sanitizes
// to nothing becomes "Unknown".
func SanitizeSender(sender string) string {
	var b strings.Builder
	for _, r := range sender {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' ' {
			break
		}
		b.WriteRune(r)
	}

	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		return UnknownSender
	}
	return cleaned
}
