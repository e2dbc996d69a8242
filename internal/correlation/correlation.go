// Package correlation tracks which integration-side message corresponds to
// which customer-side message, so edits can be mirrored across the relay. All
// uniqueness is enforced by database constraints; the store never takes locks.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teampayhq/megatron/internal/db"
)

// ErrNotFound is returned for lookups with no matching record. Edit paths
// treat it as a silent drop.
var ErrNotFound = errors.New("correlation: not found")

// ErrDuplicate is returned when a send has already been recorded. Webhook
// replays surface here and are discarded by the caller.
var ErrDuplicate = errors.New("correlation: duplicate message")

// Record links one relayed message across both sides of a channel. Either id
// may be empty until the counterpart send completes.
type Record struct {
	ID               string
	ChannelID        string
	IntegrationMsgID string
	CustomerMsgID    string
	CreatedAt        time.Time
}

// Store persists correlation records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a correlation store over the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const recordColumns = `id::text, channel_id::text, COALESCE(integration_msg_id, ''), COALESCE(customer_msg_id, ''), created_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.ChannelID, &r.IntegrationMsgID, &r.CustomerMsgID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan correlation record: %w", err)
	}
	return r, nil
}

// Claim inserts a fresh record for a message before it is relayed. A replayed
// webhook delivery hits the unique constraint and returns ErrDuplicate, which
// is the dedup signal for event ingestion.
func (s *Store) Claim(ctx context.Context, channelID, integrationMsgID, customerMsgID string) (Record, error) {
	if integrationMsgID == "" && customerMsgID == "" {
		return Record{}, fmt.Errorf("correlation: no message id to claim")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (channel_id, integration_msg_id, customer_msg_id)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		RETURNING `+recordColumns,
		channelID, integrationMsgID, customerMsgID)
	rec, err := scanRecord(row)
	if db.IsUniqueViolation(err) {
		return Record{}, ErrDuplicate
	}
	return rec, err
}

// RecordSend records a relayed message. When a record already holds one of the
// ids, the other side is filled in; when neither matches, a new record is
// inserted. A replayed send trips the unique constraint and comes back as
// ErrDuplicate.
func (s *Store) RecordSend(ctx context.Context, channelID, integrationMsgID, customerMsgID string) (Record, error) {
	if integrationMsgID == "" && customerMsgID == "" {
		return Record{}, fmt.Errorf("correlation: no message id to record")
	}

	if integrationMsgID != "" {
		rec, err := s.complete(ctx, channelID, "integration_msg_id", integrationMsgID, "customer_msg_id", customerMsgID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return rec, err
		}
	}
	if customerMsgID != "" {
		rec, err := s.complete(ctx, channelID, "customer_msg_id", customerMsgID, "integration_msg_id", integrationMsgID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return rec, err
		}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (channel_id, integration_msg_id, customer_msg_id)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		RETURNING `+recordColumns,
		channelID, integrationMsgID, customerMsgID)
	rec, err := scanRecord(row)
	if db.IsUniqueViolation(err) {
		return Record{}, ErrDuplicate
	}
	return rec, err
}

// complete fills the counterpart column of the record keyed by (channel,
// keyColumn=keyValue). An already-set counterpart is left alone, which makes
// replays of the same send no-ops.
func (s *Store) complete(ctx context.Context, channelID, keyColumn, keyValue, otherColumn, otherValue string) (Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE messages
		SET `+otherColumn+` = COALESCE(`+otherColumn+`, NULLIF($3, ''))
		WHERE channel_id = $1 AND `+keyColumn+` = $2
		RETURNING `+recordColumns,
		channelID, keyValue, otherValue)
	rec, err := scanRecord(row)
	if db.IsUniqueViolation(err) {
		return Record{}, ErrDuplicate
	}
	return rec, err
}

// FindByIntegrationID looks up the record for an integration-side message.
func (s *Store) FindByIntegrationID(ctx context.Context, channelID, msgID string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM messages WHERE channel_id = $1 AND integration_msg_id = $2`,
		channelID, msgID)
	return scanRecord(row)
}

// FindByCustomerID looks up the record for a customer-side message.
func (s *Store) FindByCustomerID(ctx context.Context, channelID, msgID string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM messages WHERE channel_id = $1 AND customer_msg_id = $2`,
		channelID, msgID)
	return scanRecord(row)
}

// Repoint overwrites the record's message ids after an edit so later edits on
// either side still correlate. Empty ids leave their column untouched.
func (s *Store) Repoint(ctx context.Context, recordID, integrationMsgID, customerMsgID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET integration_msg_id = COALESCE(NULLIF($2, ''), integration_msg_id),
		    customer_msg_id = COALESCE(NULLIF($3, ''), customer_msg_id)
		WHERE id = $1`,
		recordID, integrationMsgID, customerMsgID)
	if err != nil {
		return fmt.Errorf("repoint correlation record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
