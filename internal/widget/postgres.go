package widget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initWidgetSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initWidgetSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS widget_configs (
			id TEXT PRIMARY KEY,
			api_key TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			position TEXT NOT NULL DEFAULT 'bottom-right',
			primary_color TEXT NOT NULL DEFAULT '#2563EB',
			button_size TEXT NOT NULL DEFAULT 'medium',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			domain TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_widget_configs_api_key ON widget_configs (api_key, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init widget schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const configColumns = `id, api_key, agent_id, position, primary_color, button_size, enabled, domain, created_at`

func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (Config, error) {
	if err := params.validate(); err != nil {
		return Config{}, err
	}
	cfg := newConfig(uuid.NewString(), params, time.Now().UTC())

	var domain *string
	if cfg.Domain != "" {
		domain = &cfg.Domain
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO widget_configs (`+configColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cfg.ID,
		cfg.APIKey,
		cfg.AgentID,
		string(cfg.Position),
		cfg.PrimaryColor,
		string(cfg.ButtonSize),
		cfg.Enabled,
		domain,
		cfg.CreatedAt,
	)
	if err != nil {
		return Config{}, fmt.Errorf("insert widget config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Config, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM widget_configs WHERE id=$1`, id)
	return scanConfig(row)
}

func (s *PostgresStore) GetByAPIKey(ctx context.Context, apiKey string) (Config, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM widget_configs WHERE api_key=$1 ORDER BY created_at ASC LIMIT 1`,
		apiKey,
	)
	return scanConfig(row)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanConfig(row pgx.Row) (Config, error) {
	var (
		cfg      Config
		position string
		size     string
		domain   *string
	)
	err := row.Scan(
		&cfg.ID,
		&cfg.APIKey,
		&cfg.AgentID,
		&position,
		&cfg.PrimaryColor,
		&size,
		&cfg.Enabled,
		&domain,
		&cfg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, fmt.Errorf("scan widget config: %w", err)
	}
	cfg.Position = Position(position)
	cfg.ButtonSize = ButtonSize(size)
	if domain != nil {
		cfg.Domain = *domain
	}
	return cfg, nil
}
