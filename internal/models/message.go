package models

import (
	"time"
)

// Bucket is the category assigned to a message. It drives the veil
// template and the tone of generated replies.
type Bucket string

const (
	BucketUrgent        Bucket = "URGENT"
	BucketWork          Bucket = "WORK"
	BucketSocial        Bucket = "SOCIAL"
	BucketPromotional   Bucket = "PROMOTIONAL"
	BucketTransactional Bucket = "TRANSACTIONAL"
	BucketUnknown       Bucket = "UNKNOWN"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusProcessed Status = "PROCESSED"
	StatusRetry     Status = "RETRY"
	StatusFailed    Status = "FAILED"
	StatusSent      Status = "SENT"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessed, StatusRetry, StatusFailed, StatusSent:
		return true
	}
	return false
}

// Terminal reports whether the processing engine must never touch a
// message in this state again.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusSent
}

// CanTransitionTo reports whether the edge s -> next exists in the
// message state machine.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusReceived:
		return next == StatusProcessed || next == StatusRetry || next == StatusFailed || next == StatusSent
	case StatusRetry:
		return next == StatusProcessed || next == StatusFailed || next == StatusSent
	case StatusProcessed:
		return next == StatusRetry || next == StatusSent
	case StatusFailed, StatusSent:
		return false
	}
	return false
}

// Message is the sole persisted entity: one ambient message flowing
// through the ingestion-to-suggestion pipeline.
type Message struct {
	ID                 int64     `json:"id" db:"id"`
	Source             string    `json:"source" db:"source"`
	SenderDisplayName  string    `json:"senderDisplayName" db:"sender_display_name"`
	OriginalContent    string    `json:"-" db:"original_content"`
	VeiledContent      string    `json:"veiledContent" db:"veiled_content"`
	Bucket             Bucket    `json:"bucket" db:"bucket"`
	GeneratedResponses []string  `json:"generatedResponses" db:"generated_responses"`
	SelectedResponse   string    `json:"selectedResponse" db:"selected_response"`
	Status             Status    `json:"status" db:"status"`
	RetryCount         int       `json:"retryCount" db:"retry_count"`
	SnoozedUntil       int64     `json:"snoozedUntil" db:"snoozed_until"`
	ThreadKey          string    `json:"threadKey,omitempty" db:"thread_key"`
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time `json:"updatedAt" db:"updated_at"`
}

// Eligible reports whether the processing engine may start an attempt
// for this message at the given instant. Snoozed-into-the-future
// messages are not eligible even when their status would allow it.
func (m *Message) Eligible(now time.Time) bool {
	switch m.Status {
	case StatusReceived:
		return true
	case StatusRetry:
		return m.SnoozedUntil <= now.UnixMilli()
	}
	return false
}

// Visible reports whether the message appears in the default UI query.
func (m *Message) Visible(now time.Time) bool {
	return m.SnoozedUntil <= now.UnixMilli()
}
