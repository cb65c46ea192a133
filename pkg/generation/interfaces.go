package generation

import (
	"context"
)

// Request carries everything the backend needs to draft replies for a
// single message. It deliberately does not reference the internal
// message model so the package stays reusable.
type Request struct {
	MessageID int64
	Source    string
	Sender    string
	Content   string
	Bucket    string
	ThreadKey string
}

// Generator produces candidate reply strings for a message. Generate
// may take seconds and must respect context cancellation; CloseSession
// is idempotent and releases any per-conversation state the backend
// holds for the message id.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]string, error)
	CloseSession(ctx context.Context, messageID int64) error
}
