package generation

import (
	"fmt"
	"strings"
)

const systemPromptTemplate = `You are drafting short reply suggestions for an incoming personal message.

## Rules
- Produce exactly %d candidate replies, one per line.
- No numbering, no bullets, no quotes, no explanations.
- Each reply must be a complete, send-ready message under 140 characters.
- Never include passwords, codes, amounts or other sensitive data from the message.
%s`

// bucketTones maps a message bucket to the tone instruction appended
// to the system prompt.
var bucketTones = map[string]string{
	"URGENT":        "- Tone: prompt and reassuring; acknowledge urgency and commit to a next step.",
	"WORK":          "- Tone: professional and concise; suitable for a workplace chat.",
	"SOCIAL":        "- Tone: warm and casual; write like a friend would.",
	"PROMOTIONAL":   "- Tone: brief and neutral; the user rarely wants to engage.",
	"TRANSACTIONAL": "- Tone: brief acknowledgement; these messages rarely need a reply.",
}

const defaultTone = "- Tone: neutral and polite."

// SystemPrompt builds the system prompt for a bucket.
func SystemPrompt(bucket string, maxReplies int) string {
	tone, ok := bucketTones[bucket]
	if !ok {
		tone = defaultTone
	}
	return fmt.Sprintf(systemPromptTemplate, maxReplies, tone)
}

// UserPrompt builds the user message describing the incoming message.
func UserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", req.Sender)
	if req.Source != "" {
		fmt.Fprintf(&b, "Via: %s\n", req.Source)
	}
	fmt.Fprintf(&b, "Message:\n%s", req.Content)
	return b.String()
}

// ParseReplies splits a model completion into individual candidate
// replies, stripping list markers the model may add despite the
// instructions. Order is preserved.
func ParseReplies(completion string, max int) []string {
	var replies []string
	for _, line := range strings.Split(completion, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•")
		line = trimLeadingNumber(line)
		line = strings.Trim(line, `"`)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		replies = append(replies, line)
		if len(replies) == max {
			break
		}
	}
	return replies
}

// trimLeadingNumber strips "1." / "2)" style prefixes.
func trimLeadingNumber(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}
	if s[i] == '.' || s[i] == ')' {
		return s[i+1:]
	}
	return s
}
