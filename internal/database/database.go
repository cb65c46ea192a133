package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"veilbox/internal/migrations"
	"veilbox/internal/models"
	"veilbox/internal/security"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database is the durable message store. Read-modify-write
// serialization per record is the caller's responsibility (the
// repository holds per-id locks); the store itself only guarantees
// that each statement is atomic.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	logger    *logrus.Logger
}

func New(dbPath string, logger *logrus.Logger) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &Database{db: db, encryptor: encryptor, logger: logger}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

const messageColumns = `id, source, sender_display_name, original_content, veiled_content,
	bucket, generated_responses, selected_response, status, retry_count,
	snoozed_until, thread_key, created_at, updated_at`

// InsertMessage persists a freshly ingested message and returns its
// assigned id. Sensitive columns are encrypted when enabled.
func (d *Database) InsertMessage(ctx context.Context, msg *models.Message) (int64, error) {
	encContent, err := d.encryptor.EncryptIfEnabled(msg.OriginalContent)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt message content: %w", err)
	}
	encSender, err := d.encryptor.EncryptIfEnabled(msg.SenderDisplayName)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt sender name: %w", err)
	}

	query := `
		INSERT INTO messages (
			source, sender_display_name, original_content, status,
			retry_count, snoozed_until, thread_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)
	`

	var result sql.Result
	err = retryableDBOperation(ctx, func() error {
		var execErr error
		result, execErr = d.db.ExecContext(ctx, query,
			msg.Source,
			encSender,
			encContent,
			string(models.StatusReceived),
			msg.ThreadKey,
			msg.CreatedAt,
			msg.CreatedAt,
		)
		return execErr
	}, "insert message")
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted message id: %w", err)
	}
	return id, nil
}

// GetMessage returns the message with the given id, or (nil, nil) when
// it does not exist.
func (d *Database) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE id = ?`, messageColumns)

	row := d.db.QueryRowContext(ctx, query, id)
	msg, err := d.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns all messages ordered for display: newest
// creation time first. Equal timestamps keep insertion order (lower id
// first), matching a stable descending sort on creation time.
func (d *Database) ListMessages(ctx context.Context) ([]*models.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages ORDER BY created_at DESC, id ASC`, messageColumns)
	return d.queryMessages(ctx, query)
}

// ListVisibleMessages returns display-ordered messages excluding
// those snoozed into the future.
func (d *Database) ListVisibleMessages(ctx context.Context, nowMillis int64) ([]*models.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE snoozed_until <= ? ORDER BY created_at DESC, id ASC`, messageColumns)
	return d.queryMessages(ctx, query, nowMillis)
}

// ListByStatus returns messages in the given status, oldest first.
func (d *Database) ListByStatus(ctx context.Context, status models.Status) ([]*models.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE status = ? ORDER BY id ASC`, messageColumns)
	return d.queryMessages(ctx, query, string(status))
}

// ListDueRetries returns RETRY messages whose snooze has expired.
func (d *Database) ListDueRetries(ctx context.Context, nowMillis int64) ([]*models.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE status = ? AND snoozed_until <= ? ORDER BY id ASC`, messageColumns)
	return d.queryMessages(ctx, query, string(models.StatusRetry), nowMillis)
}

// UpdateMessage writes the full mutable state of a message back in a
// single statement. Returns a wrapped sql.ErrNoRows when the id is
// unknown so callers can distinguish not-found from write failure.
func (d *Database) UpdateMessage(ctx context.Context, msg *models.Message) error {
	responses, err := json.Marshal(msg.GeneratedResponses)
	if err != nil {
		return fmt.Errorf("failed to encode generated responses: %w", err)
	}
	if msg.GeneratedResponses == nil {
		responses = []byte("[]")
	}

	query := `
		UPDATE messages SET
			veiled_content = ?, bucket = ?, generated_responses = ?,
			selected_response = ?, status = ?, retry_count = ?,
			snoozed_until = ?, updated_at = ?
		WHERE id = ?
	`

	var result sql.Result
	err = retryableDBOperation(ctx, func() error {
		var execErr error
		result, execErr = d.db.ExecContext(ctx, query,
			msg.VeiledContent,
			string(msg.Bucket),
			string(responses),
			msg.SelectedResponse,
			string(msg.Status),
			msg.RetryCount,
			msg.SnoozedUntil,
			time.Now().UTC(),
			msg.ID,
		)
		return execErr
	}, "update message")
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("message %d: %w", msg.ID, sql.ErrNoRows)
	}
	return nil
}

// DeleteTerminalOlderThan removes SENT and FAILED messages created
// before the cutoff. Used by the retention scheduler.
func (d *Database) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM messages WHERE status IN (?, ?) AND created_at < ?`

	result, err := d.db.ExecContext(ctx, query,
		string(models.StatusSent), string(models.StatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	return result.RowsAffected()
}

// ClearAll removes every message. Account reset and tests only.
func (d *Database) ClearAll(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var encContent, encSender, bucket, status, responsesJSON string

	err := row.Scan(
		&msg.ID,
		&msg.Source,
		&encSender,
		&encContent,
		&msg.VeiledContent,
		&bucket,
		&responsesJSON,
		&msg.SelectedResponse,
		&status,
		&msg.RetryCount,
		&msg.SnoozedUntil,
		&msg.ThreadKey,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.OriginalContent, err = d.encryptor.DecryptIfEnabled(encContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message content: %w", err)
	}
	msg.SenderDisplayName, err = d.encryptor.DecryptIfEnabled(encSender)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt sender name: %w", err)
	}

	msg.Bucket = models.Bucket(bucket)
	msg.Status = models.Status(status)

	// A corrupt responses column is recovered locally instead of
	// propagating a crash: substitute an empty list and warn.
	if err := json.Unmarshal([]byte(responsesJSON), &msg.GeneratedResponses); err != nil {
		d.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Undecodable generated_responses column, substituting empty list")
		msg.GeneratedResponses = []string{}
	}
	if msg.GeneratedResponses == nil {
		msg.GeneratedResponses = []string{}
	}

	return msg, nil
}

func (d *Database) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			d.logger.WithError(closeErr).Warn("Failed to close rows")
		}
	}()

	var messages []*models.Message
	for rows.Next() {
		msg, err := d.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}

	return messages, nil
}
