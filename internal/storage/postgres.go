package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenLightCore/internal/config"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresClient)(nil)

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	return newPostgresClient(ctx, cfg.DSN(), cfg.MaxConnections)
}

func newPostgresClient(ctx context.Context, dsn string, maxConns int) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &PostgresClient{pool: pool}
	if err := client.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return client, nil
}

// EnsureSchema creates the settings and descriptors tables if missing.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresClient) GetItem(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get item %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal item %s: %w", key, err)
	}
	return true, nil
}

func (p *PostgresClient) SetItem(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal item %s: %w", key, err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key)
		DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`, key, raw)
	if err != nil {
		return fmt.Errorf("failed to set item %s: %w", key, err)
	}
	return nil
}

func (p *PostgresClient) GetCollection(ctx context.Context, collection string) ([]types.Descriptor, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT body
		FROM descriptors
		WHERE collection = $1
		ORDER BY seq
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	defer rows.Close()

	descriptors := make([]types.Descriptor, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan descriptor: %w", err)
		}

		d, err := decodeDescriptor(raw)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}

	return descriptors, rows.Err()
}

func (p *PostgresClient) Upsert(ctx context.Context, collection string, d types.Descriptor) error {
	raw, err := json.Marshal(sanitize(d))
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor %s: %w", d.ID, err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO descriptors (id, collection, vendor, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET
			collection = EXCLUDED.collection,
			vendor = EXCLUDED.vendor,
			body = EXCLUDED.body,
			updated_at = NOW()
	`, d.ID, collection, string(d.Vendor), raw)
	if err != nil {
		return fmt.Errorf("failed to upsert descriptor %s: %w", d.ID, err)
	}
	return nil
}

func (p *PostgresClient) GetDeviceByID(ctx context.Context, id string) (types.Descriptor, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT body FROM descriptors WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Descriptor{}, false, nil
		}
		return types.Descriptor{}, false, fmt.Errorf("failed to get descriptor %s: %w", id, err)
	}

	d, err := decodeDescriptor(raw)
	if err != nil {
		return types.Descriptor{}, false, err
	}
	return d, true, nil
}

func decodeDescriptor(raw []byte) (types.Descriptor, error) {
	var d types.Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return types.Descriptor{}, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}
	d.Streaming = false
	return d, nil
}
