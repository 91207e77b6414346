package postgresx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oliveiracleidson/distwork/core"
)

// Cache implements core.Cache over a single Postgres table, grounded on
// the same add-if-absent / compare-and-swap SQL shape the schema's
// lock table uses, generalized from a lock-specific row layout to an
// arbitrary string key/value with an optional expiry column.
type Cache struct {
	pool *pgxpool.Pool
	cfg  *Config
}

// NewCache wraps pool as a core.Cache, creating the backing table if
// cfg.CreateSchemaIfNotExists is true (the default).
func NewCache(ctx context.Context, pool *pgxpool.Pool, cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = NewConfig()
	} else {
		cfg = cfg.WithDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{pool: pool, cfg: cfg}
	if cfg.CreateSchemaIfNotExists {
		if err := c.ensureTable(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cache) ensureTable(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS "`+c.cfg.Schema+`"`); err != nil {
		return err
	}
	_, err := c.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS `+c.cfg.qualifiedTable()+` (
		key text PRIMARY KEY,
		value text NOT NULL,
		expires_at timestamptz
	);`)
	return err
}

func expiresAtParam(clock time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := clock.Add(ttl)
	return &t
}

func (c *Cache) deleteExpired(ctx context.Context, key string) error {
	_, err := c.pool.Exec(ctx,
		`DELETE FROM `+c.cfg.qualifiedTable()+` WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= NOW()`,
		key)
	return err
}

func (c *Cache) AddIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := c.deleteExpired(ctx, key); err != nil {
		return false, err
	}
	tag, err := c.pool.Exec(ctx,
		`INSERT INTO `+c.cfg.qualifiedTable()+` (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`,
		key, value, expiresAtParam(time.Now(), ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT value FROM `+c.cfg.qualifiedTable()+` WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (c *Cache) Remove(ctx context.Context, key string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM `+c.cfg.qualifiedTable()+` WHERE key = $1`, key)
	return err
}

func (c *Cache) RemoveIfEqual(ctx context.Context, key, expected string) (bool, error) {
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM `+c.cfg.qualifiedTable()+`
		 WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())`,
		key, expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (c *Cache) ReplaceIfEqual(ctx context.Context, key, expected, newValue string, ttl time.Duration) (bool, error) {
	var tag interface{ RowsAffected() int64 }
	var err error
	if ttl > 0 {
		tag, err = c.pool.Exec(ctx,
			`UPDATE `+c.cfg.qualifiedTable()+`
			 SET value = $3, expires_at = $4
			 WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())`,
			key, expected, newValue, expiresAtParam(time.Now(), ttl))
	} else {
		tag, err = c.pool.Exec(ctx,
			`UPDATE `+c.cfg.qualifiedTable()+`
			 SET value = $3
			 WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())`,
			key, expected, newValue)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := c.deleteExpired(ctx, key); err != nil {
		return 0, err
	}
	row := c.pool.QueryRow(ctx,
		`INSERT INTO `+c.cfg.qualifiedTable()+` (key, value, expires_at) VALUES ($1, $2::text, $3)
		 ON CONFLICT (key) DO UPDATE SET
			value = (`+c.cfg.qualifiedTable()+`.value::bigint + $2)::text,
			expires_at = COALESCE($3, `+c.cfg.qualifiedTable()+`.expires_at)
		 RETURNING value::bigint`,
		key, delta, expiresAtParam(time.Now(), ttl))
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (c *Cache) GetExpiration(ctx context.Context, key string) (time.Duration, bool, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT expires_at FROM `+c.cfg.qualifiedTable()+` WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key)
	var expiresAt *time.Time
	if err := row.Scan(&expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if expiresAt == nil {
		return 0, false, nil
	}
	remaining := time.Until(*expiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

func (c *Cache) SetExpiration(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE `+c.cfg.qualifiedTable()+` SET expires_at = $2 WHERE key = $1`,
		key, expiresAtParam(time.Now(), ttl))
	return err
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+c.cfg.qualifiedTable()+` WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW()))`,
		key)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

var _ core.Cache = (*Cache)(nil)
