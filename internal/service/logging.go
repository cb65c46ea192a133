package service

import (
	"context"

	"veilbox/internal/constants"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey is the strongly-typed context key for the verbose
// logging flag. Verbose mode is the only mode in which sender names
// appear unmasked in logs; message content never appears at all.
const VerboseContextKey ContextKey = "verbose"

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// MaskSender masks a sender display name for log output, keeping only
// the first few characters.
func MaskSender(sender string) string {
	if sender == "" {
		return ""
	}
	runes := []rune(sender)
	if len(runes) <= constants.DefaultSenderMaskLength {
		return "***"
	}
	return string(runes[:constants.DefaultSenderMaskLength]) + "***"
}

// SanitizeContent completely hides message content for log output
func SanitizeContent(content string) string {
	if content == "" {
		return ""
	}
	return "[hidden]"
}

// LogIngestion logs a message ingestion with privacy controls applied.
func LogIngestion(ctx context.Context, logger *logrus.Logger, id int64, source, sender string) {
	fields := logrus.Fields{
		"message_id": id,
		"source":     source,
	}
	if IsVerboseLogging(ctx) {
		fields["sender"] = sender
	} else {
		fields["sender"] = MaskSender(sender)
	}
	logger.WithFields(fields).Info("Ingested message")
}
