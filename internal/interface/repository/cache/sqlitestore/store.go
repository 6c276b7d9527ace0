// Package sqlitestore はSQLiteを使ったキャッシュストレージの実装を提供する.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"offlinecache/internal/domain"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store はキャッシュのパーティションをSQLiteに保存する
type Store struct {
	sqlDB *sql.DB
}

var _ domain.CacheStorage = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open はSQLiteのキャッシュストアを開き、スキーマを適用する
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close はSQLiteのハンドルを閉じる
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Open は指定した名前のパーティションを返す. 存在しない場合は作成する
func (s *Store) Open(ctx context.Context, name string) (domain.Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("partition name is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_partitions (name, created_at) VALUES (?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, toMillis(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &partition{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM cache_partitions WHERE name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup partition %s: %w", name, err)
	}
	return count > 0, nil
}

// Delete はパーティションと全エントリを一つのトランザクションで削除
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE partition_name = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_partitions WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

// Keys はパーティション名を作成順に返す
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_partitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Match はキーを持つ最も古いパーティションのエントリを返す
func (s *Store) Match(ctx context.Context, req *domain.Request) (*domain.CachedResponse, bool, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT e.status_code, e.status, e.header, e.body, e.stored_at
		   FROM cache_entries e
		   JOIN cache_partitions p ON p.name = e.partition_name
		  WHERE e.cache_key = ?
		  ORDER BY p.id
		  LIMIT 1`,
		req.Key(),
	)
	return scanResponse(row)
}

type partition struct {
	store *Store
	name  string
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, req *domain.Request) (*domain.CachedResponse, bool, error) {
	row := p.store.sqlDB.QueryRowContext(ctx,
		`SELECT status_code, status, header, body, stored_at
		   FROM cache_entries
		  WHERE partition_name = ? AND cache_key = ?`,
		p.name, req.Key(),
	)
	return scanResponse(row)
}

func (p *partition) Put(ctx context.Context, req *domain.Request, resp *domain.CachedResponse) error {
	return p.PutAll(ctx, []domain.CacheEntry{{Request: req, Response: resp}})
}

// PutAll は全エントリを一つのトランザクションで書き込む
func (p *partition) PutAll(ctx context.Context, entries []domain.CacheEntry) error {
	tx, err := p.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, e := range entries {
		header, err := json.Marshal(e.Response.Header)
		if err != nil {
			return fmt.Errorf("encode header for %s: %w", e.Request.Key(), err)
		}
		storedAt := e.Response.StoredAt
		if storedAt.IsZero() {
			storedAt = now
		}
		body := e.Response.Body
		if body == nil {
			body = []byte{}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cache_entries (
			   partition_name, cache_key, status_code, status, header, body, stored_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(partition_name, cache_key) DO UPDATE SET
			   status_code = excluded.status_code,
			   status = excluded.status,
			   header = excluded.header,
			   body = excluded.body,
			   stored_at = excluded.stored_at`,
			p.name, e.Request.Key(), e.Response.StatusCode, e.Response.Status,
			string(header), body, toMillis(storedAt),
		)
		if err != nil {
			return fmt.Errorf("put %s: %w", e.Request.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, req *domain.Request) (bool, error) {
	res, err := p.store.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE partition_name = ? AND cache_key = ?`,
		p.name, req.Key(),
	)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", req.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.store.sqlDB.QueryContext(ctx,
		`SELECT cache_key FROM cache_entries WHERE partition_name = ? ORDER BY cache_key`,
		p.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", p.name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanResponse(row *sql.Row) (*domain.CachedResponse, bool, error) {
	var (
		resp     domain.CachedResponse
		header   string
		storedAt int64
	)
	err := row.Scan(&resp.StatusCode, &resp.Status, &header, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, false, fmt.Errorf("decode header: %w", err)
	}
	resp.StoredAt = fromMillis(storedAt)
	return &resp, true, nil
}
