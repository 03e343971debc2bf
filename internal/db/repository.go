package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/leozw/credentials-manager/internal/core"
)

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// mapError translates driver errors into the core error taxonomy.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, core.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w: %s", what, core.ErrConflict, pqErr.Constraint)
		case "23503":
			return fmt.Errorf("%s: %w: %s", what, core.ErrNotFound, pqErr.Constraint)
		case "22P02":
			return fmt.Errorf("%s: %w: %s", what, core.ErrValidation, pqErr.Message)
		}
	}

	return fmt.Errorf("%s: %w", what, err)
}

// Network operations
func (r *Repository) UpsertNetwork(ctx context.Context, n *Network) error {
	query := `
        INSERT INTO networks (title, need_proxy, dynamic_limits)
        VALUES ($1, $2, $3)
        ON CONFLICT (title) DO UPDATE SET
            need_proxy = EXCLUDED.need_proxy,
            dynamic_limits = EXCLUDED.dynamic_limits
        RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query, n.Title, n.NeedProxy, n.DynamicLimits).
		Scan(&n.ID, &n.CreatedAt)
	return mapError(err, "upsert network")
}

func (r *Repository) GetNetworkByTitle(ctx context.Context, title string) (*Network, error) {
	var n Network
	query := `SELECT * FROM networks WHERE title = $1`
	if err := r.db.GetContext(ctx, &n, query, title); err != nil {
		return nil, mapError(err, "get network")
	}
	return &n, nil
}

func (r *Repository) ListNetworks(ctx context.Context) ([]*Network, error) {
	networks := []*Network{}
	query := `SELECT * FROM networks ORDER BY title`
	err := r.db.SelectContext(ctx, &networks, query)
	return networks, mapError(err, "list networks")
}

func (r *Repository) UpsertParsingType(ctx context.Context, pt *ParsingType) error {
	query := `
        INSERT INTO parsing_types (network_id, title, code, base_limit)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (network_id, title) DO UPDATE SET
            code = EXCLUDED.code,
            base_limit = EXCLUDED.base_limit
        RETURNING id`

	err := r.db.QueryRowxContext(ctx, query, pt.NetworkID, pt.Title, pt.Code, pt.Limit).Scan(&pt.ID)
	return mapError(err, "upsert parsing type")
}

func (r *Repository) ListParsingTypes(ctx context.Context, networkTitle string) ([]*ParsingType, error) {
	types := []*ParsingType{}
	query := `
        SELECT pt.* FROM parsing_types pt
        JOIN networks n ON n.id = pt.network_id
        WHERE n.title = $1
        ORDER BY pt.id`

	err := r.db.SelectContext(ctx, &types, query, networkTitle)
	return types, mapError(err, "list parsing types")
}

// ListAllParsingTypes returns every parsing type grouped by network id.
func (r *Repository) ListAllParsingTypes(ctx context.Context) (map[int64][]ParsingType, error) {
	var types []ParsingType
	query := `SELECT * FROM parsing_types ORDER BY network_id, id`
	if err := r.db.SelectContext(ctx, &types, query); err != nil {
		return nil, mapError(err, "list parsing types")
	}

	grouped := make(map[int64][]ParsingType)
	for _, pt := range types {
		grouped[pt.NetworkID] = append(grouped[pt.NetworkID], pt)
	}
	return grouped, nil
}

// Credentials operations
func (r *Repository) UpsertCredentials(ctx context.Context, c *Credentials) error {
	query := `
        INSERT INTO credentials (network_id, login, password, enabled)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (network_id, login) DO UPDATE SET
            password = EXCLUDED.password,
            enabled = EXCLUDED.enabled
        RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query, c.NetworkID, c.Login, c.Password, c.Enabled).
		Scan(&c.ID, &c.CreatedAt)
	return mapError(err, "upsert credentials")
}

func (r *Repository) ListUnpairedCredentials(ctx context.Context) ([]*UnpairedCredentials, error) {
	creds := []*UnpairedCredentials{}
	query := `
        SELECT c.id, c.network_id, n.title AS network_title, n.need_proxy, c.login
        FROM credentials c
        JOIN networks n ON n.id = c.network_id
        LEFT JOIN leases l ON l.credentials_id = c.id
        WHERE c.enabled = true AND l.id IS NULL
        ORDER BY c.id`

	err := r.db.SelectContext(ctx, &creds, query)
	return creds, mapError(err, "list unpaired credentials")
}

// Usage records
func (r *Repository) CreateUsageRecord(ctx context.Context, rec *UsageRecord) error {
	return createUsageRecord(ctx, r.db, rec)
}

func createUsageRecord(ctx context.Context, ext sqlx.ExtContext, rec *UsageRecord) error {
	query := `
        INSERT INTO usage_records (
            id, lease_id, proxy_id, account_title, use_started_at,
            use_ended_at, request_count, limits, result_status, status_description
        ) VALUES (
            :id, :lease_id, :proxy_id, :account_title, :use_started_at,
            :use_ended_at, :request_count, :limits, :result_status, :status_description
        )`

	_, err := sqlx.NamedExecContext(ctx, ext, query, rec)
	return mapError(err, "create usage record")
}

func (r *Repository) ListUsageRecords(ctx context.Context, leaseID string, limit int) ([]*UsageRecord, error) {
	records := []*UsageRecord{}
	query := `
        SELECT * FROM usage_records
        WHERE lease_id = $1
        ORDER BY created_at DESC
        LIMIT $2`

	err := r.db.SelectContext(ctx, &records, query, leaseID, limit)
	return records, mapError(err, "list usage records")
}
