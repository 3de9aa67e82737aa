package recipients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists recipients in the recipients table. Leasing uses a
// single UPDATE with a FOR UPDATE SKIP LOCKED subselect, so concurrent units
// never claim the same row and never block each other; commits match on the
// lease token while the row is still InFlight, which makes stale commits
// no-ops by construction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const recipientColumns = `
	id, config_id, email, display_name, context, state, attempts,
	coalesce(lease_token, '00000000-0000-0000-0000-000000000000'::uuid),
	coalesce(leased_at, 'epoch'::timestamptz),
	coalesce(last_error, ''), coalesce(provider_message_id, ''),
	coalesce(delivery_status, ''), queued_at, created_at, updated_at`

func (s *PostgresStore) LeaseOldestPending(ctx context.Context, configID, token uuid.UUID, now time.Time) (*Recipient, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE recipients
		SET state       = 'in_flight',
		    lease_token = $2,
		    leased_at   = $3,
		    attempts    = attempts + 1,
		    updated_at  = $3
		WHERE id = (
			SELECT id FROM recipients
			WHERE config_id = $1 AND state = 'pending'
			ORDER BY queued_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING`+recipientColumns,
		configID, token, now)

	rcpt, err := scanRecipient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("lease recipient: %w", err)
	}
	return rcpt, nil
}

func (s *PostgresStore) FindByLease(ctx context.Context, token uuid.UUID) (*Recipient, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+recipientColumns+`
		FROM recipients
		WHERE lease_token = $1 AND state = 'in_flight'`, token)

	rcpt, err := scanRecipient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeaseNotFound
		}
		return nil, fmt.Errorf("find lease: %w", err)
	}
	return rcpt, nil
}

func (s *PostgresStore) CommitLease(ctx context.Context, token uuid.UUID, to State, upd CommitUpdate, now time.Time) (bool, error) {
	// A requeue moves the recipient to the tail of the FIFO: queued_at is
	// reset so younger pending rows run first.
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipients
		SET state               = $2,
		    lease_token         = NULL,
		    leased_at           = NULL,
		    last_error          = CASE WHEN $3 <> '' THEN $3 ELSE last_error END,
		    provider_message_id = CASE WHEN $4 <> '' THEN $4 ELSE provider_message_id END,
		    queued_at           = CASE WHEN $2 = 'pending' THEN $5 ELSE queued_at END,
		    updated_at          = $5
		WHERE lease_token = $1 AND state = 'in_flight'`,
		token, string(to), upd.LastError, upd.ProviderMessageID, now)
	if err != nil {
		return false, fmt.Errorf("commit lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReclaimExpired(ctx context.Context, configID uuid.UUID, cutoff, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipients
		SET state       = 'pending',
		    lease_token = NULL,
		    leased_at   = NULL,
		    updated_at  = $3
		WHERE config_id = $1 AND state = 'in_flight' AND leased_at <= $2`,
		configID, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountByState(ctx context.Context, configID uuid.UUID) (map[State]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, count(*)
		FROM recipients
		WHERE config_id = $1
		GROUP BY state`, configID)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan recipient count: %w", err)
		}
		counts[State(state)] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) SetDeliveryStatus(ctx context.Context, providerMessageID, status string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recipients
		SET delivery_status = $2, updated_at = $3
		WHERE provider_message_id = $1`,
		providerMessageID, status, now)
	if err != nil {
		return fmt.Errorf("set delivery status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM recipients
		WHERE state IN ('sent', 'failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal recipients: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecipient(row pgx.Row) (*Recipient, error) {
	var r Recipient
	if err := row.Scan(
		&r.ID, &r.ConfigID, &r.Email, &r.DisplayName, &r.Context, &r.State,
		&r.Attempts, &r.LeaseToken, &r.LeasedAt, &r.LastError,
		&r.ProviderMessageID, &r.DeliveryStatus, &r.QueuedAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if r.LeaseToken == uuid.Nil {
		r.LeasedAt = time.Time{}
	}
	return &r, nil
}
