package configs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProvider reads sending configurations from Postgres.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresProvider creates a provider over the given connection pool.
func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

const configColumns = `
	id, user_id, api_key, sender_name, sender_address,
	coalesce(subject, ''), coalesce(template_name, ''),
	hourly_limit, daily_limit, updated_at`

func (p *PostgresProvider) Get(ctx context.Context, id uuid.UUID) (*SendingConfiguration, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT`+configColumns+`
		FROM sending_configurations
		WHERE id = $1`, id)

	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("get sending configuration: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	return cfg, nil
}

func (p *PostgresProvider) List(ctx context.Context) ([]SendingConfiguration, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT`+configColumns+`
		FROM sending_configurations
		WHERE api_key <> ''
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sending configurations: %w", err)
	}
	defer rows.Close()

	var out []SendingConfiguration
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sending configuration: %w", err)
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

func scanConfig(row pgx.Row) (*SendingConfiguration, error) {
	var cfg SendingConfiguration
	if err := row.Scan(
		&cfg.ID, &cfg.UserID, &cfg.APIKey, &cfg.SenderName, &cfg.SenderAddress,
		&cfg.Subject, &cfg.TemplateName, &cfg.HourlyLimit, &cfg.DailyLimit,
		&cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &cfg, nil
}
