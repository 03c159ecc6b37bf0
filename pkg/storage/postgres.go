package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgClient is the durable backend. Optimistic concurrency is a conditional
// UPDATE on the stored etag; no row updated means the caller lost the race.
type pgClient struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

func NewPostgres(pool *pgxpool.Pool, log *zap.SugaredLogger) Client {
	return &pgClient{pool: pool, log: log}
}

// EnsureSchema creates the storage table if missing. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS storage_items (
  key text PRIMARY KEY,
  data jsonb NOT NULL,
  tags jsonb NOT NULL DEFAULT '{}'::jsonb,
  etag text NOT NULL,
  expires timestamptz,
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS storage_items_prefix ON storage_items (key text_pattern_ops);
`)
	return err
}

func (c *pgClient) Get(ctx context.Context, key string) (Entry, error) {
	key = NormalizeKey(key)
	var e Entry
	var tags []byte
	var expires *time.Time
	err := c.pool.QueryRow(ctx, `
		SELECT data, tags, etag, expires FROM storage_items
		WHERE key=$1 AND (expires IS NULL OR expires > NOW())
	`, key).Scan(&e.Data, &tags, &e.ETag, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if expires != nil {
		e.Expires = *expires
	}
	_ = json.Unmarshal(tags, &e.Tags)
	return e, nil
}

func (c *pgClient) Put(ctx context.Context, key string, data json.RawMessage, opts PutOptions) (Entry, error) {
	key = NormalizeKey(key)
	tags, err := json.Marshal(opts.Tags)
	if err != nil {
		return Entry{}, err
	}
	if opts.Tags == nil {
		tags = []byte(`{}`)
	}
	etag := uuid.NewString()
	var expires *time.Time
	if !opts.Expires.IsZero() {
		expires = &opts.Expires
	}

	if opts.ExpectedTag == "" {
		_, err = c.pool.Exec(ctx, `
			INSERT INTO storage_items (key, data, tags, etag, expires, updated_at)
			VALUES ($1,$2,$3,$4,$5,NOW())
			ON CONFLICT (key) DO UPDATE
			SET data=EXCLUDED.data, tags=EXCLUDED.tags, etag=EXCLUDED.etag,
			    expires=EXCLUDED.expires, updated_at=NOW()
		`, key, data, tags, etag, expires)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Data: data, Tags: opts.Tags, ETag: etag, Expires: opts.Expires}, nil
	}

	ct, err := c.pool.Exec(ctx, `
		UPDATE storage_items
		SET data=$2, tags=$3, etag=$4, expires=$5, updated_at=NOW()
		WHERE key=$1 AND etag=$6
	`, key, data, tags, etag, expires, opts.ExpectedTag)
	if err != nil {
		return Entry{}, err
	}
	if ct.RowsAffected() == 0 {
		return Entry{}, ErrPreconditionFailed
	}
	return Entry{Data: data, Tags: opts.Tags, ETag: etag, Expires: opts.Expires}, nil
}

func (c *pgClient) Delete(ctx context.Context, key string, opts DeleteOptions) error {
	key = NormalizeKey(key)
	if key == "" {
		if !opts.ForceRecursive {
			return ErrRootDelete
		}
		_, err := c.pool.Exec(ctx, `DELETE FROM storage_items`)
		return err
	}

	var children int
	if err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM storage_items WHERE key LIKE $1 || '/%'`, key,
	).Scan(&children); err != nil {
		return err
	}
	if children > 0 && !opts.Recursive && !opts.ForceRecursive {
		return ErrNotEmpty
	}

	if opts.ExpectedTag != "" {
		ct, err := c.pool.Exec(ctx,
			`DELETE FROM storage_items WHERE key=$1 AND etag=$2`, key, opts.ExpectedTag)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			var exists int
			if err := c.pool.QueryRow(ctx,
				`SELECT COUNT(*) FROM storage_items WHERE key=$1`, key).Scan(&exists); err != nil {
				return err
			}
			if exists > 0 {
				return ErrPreconditionFailed
			}
			if children == 0 {
				return ErrNotFound
			}
		}
	} else {
		ct, err := c.pool.Exec(ctx, `DELETE FROM storage_items WHERE key=$1`, key)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 && children == 0 {
			return ErrNotFound
		}
	}

	if opts.Recursive || opts.ForceRecursive {
		if _, err := c.pool.Exec(ctx,
			`DELETE FROM storage_items WHERE key LIKE $1 || '/%'`, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *pgClient) List(ctx context.Context, prefix string, opts ListOptions) (Page, error) {
	prefix = NormalizeKey(prefix)
	count := opts.Count
	if count <= 0 {
		count = defaultListCount
	}
	after, err := decodeNext(opts.Next)
	if err != nil {
		return Page{}, err
	}

	match := `(key = $1 OR key LIKE $1 || '/%')`
	if prefix == "" {
		match = `$1 = ''`
	}
	rows, err := c.pool.Query(ctx, `
		SELECT key, data, tags, etag, expires FROM storage_items
		WHERE `+match+`
		  AND (expires IS NULL OR expires > NOW())
		  AND key > $2
		ORDER BY key
		LIMIT $3
	`, prefix, after, count+1)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	page := Page{Items: []Item{}}
	for rows.Next() {
		var it Item
		var tags []byte
		var expires *time.Time
		if err := rows.Scan(&it.Key, &it.Data, &tags, &it.ETag, &expires); err != nil {
			return Page{}, err
		}
		if expires != nil {
			it.Expires = *expires
		}
		_ = json.Unmarshal(tags, &it.Tags)
		page.Items = append(page.Items, it)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(page.Items) > count {
		page.Items = page.Items[:count]
		page.Next = encodeNext(page.Items[count-1].Key)
	}
	return page, nil
}
