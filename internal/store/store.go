// Package store implements the credential store (C1): durable,
// per-row persistence of credentials plus a TTL cache, backed by a local
// SQLite file with WAL journaling and a bounded busy timeout.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"authcore/internal/credtypes"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Store is the concrete C1 implementation.
type Store struct {
	db     *sql.DB
	path   string
	logger log.FieldLogger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default logrus logger.
func WithLogger(l log.FieldLogger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates the parent directory and file (if absent) with owner-only
// permissions, opens the SQLite connection with WAL journaling and a 5s
// busy timeout, and applies the forward-only schema migrations.
func Open(path string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, fileMode)
		if err != nil {
			return nil, fmt.Errorf("create store file: %w", err)
		}
		f.Close()
	}
	if err := os.Chmod(path, fileMode); err != nil {
		return nil, fmt.Errorf("chmod store file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema migrations: %w", err)
	}

	s := &Store{db: db, path: path, logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the backing file path, used for serializing a C6 snapshot.
func (s *Store) Path() string { return s.path }

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListAuthCredentials returns non-disabled rows ordered by id ascending. If
// provider is empty, rows for every provider are returned. Rows whose data
// fails to deserialize are dropped rather than failing the whole call.
func (s *Store) ListAuthCredentials(ctx context.Context, provider string) ([]credtypes.StoredCredential, error) {
	var rows *sql.Rows
	var err error
	if provider == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, provider, credential_type, data, disabled, created_at, updated_at FROM auth_credentials WHERE disabled = 0 ORDER BY id ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, provider, credential_type, data, disabled, created_at, updated_at FROM auth_credentials WHERE disabled = 0 AND provider = ? ORDER BY id ASC`, provider)
	}
	if err != nil {
		s.logger.WithError(err).Warn("store: list credentials failed, treating as empty")
		return nil, nil
	}
	defer rows.Close()

	var out []credtypes.StoredCredential
	for rows.Next() {
		var (
			id                       int64
			prov, credType, dataJSON string
			disabled                 bool
			createdAtMs, updatedAtMs int64
		)
		if err := rows.Scan(&id, &prov, &credType, &dataJSON, &disabled, &createdAtMs, &updatedAtMs); err != nil {
			s.logger.WithError(err).Debug("store: dropping malformed row on scan")
			continue
		}
		cred, err := unmarshalCredential(credType, []byte(dataJSON))
		if err != nil {
			s.logger.WithError(err).WithField("id", id).Debug("store: dropping malformed credential data")
			continue
		}
		out = append(out, credtypes.StoredCredential{
			ID:         id,
			Provider:   prov,
			Disabled:   disabled,
			Credential: cred,
			CreatedAt:  time.UnixMilli(createdAtMs),
			UpdatedAt:  time.UnixMilli(updatedAtMs),
		})
	}
	if err := rows.Err(); err != nil {
		s.logger.WithError(err).Warn("store: row iteration error, returning partial results")
	}
	return out, nil
}

// ReplaceForProvider soft-disables every existing row for provider and
// inserts the given credentials, atomically, returning the new row ids in
// the same order as the input.
func (s *Store) ReplaceForProvider(ctx context.Context, provider string, credentials []credtypes.Credential) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `UPDATE auth_credentials SET disabled = 1, updated_at = ? WHERE provider = ? AND disabled = 0`, now, provider); err != nil {
		return nil, fmt.Errorf("disable existing rows: %w", err)
	}

	ids := make([]int64, 0, len(credentials))
	for _, c := range credentials {
		data, err := marshalCredential(c)
		if err != nil {
			return nil, fmt.Errorf("marshal credential: %w", err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO auth_credentials (provider, credential_type, data, disabled, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
			provider, string(c.Type), string(data), now, now)
		if err != nil {
			return nil, fmt.Errorf("insert credential: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read inserted id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace transaction: %w", err)
	}
	return ids, nil
}

// UpdateAuthCredential updates the credential_type and data of an existing
// row in place. Failures are swallowed: the store is best-effort and the
// next authoritative reload is expected to correct in-memory state.
func (s *Store) UpdateAuthCredential(ctx context.Context, id int64, credential credtypes.Credential) {
	data, err := marshalCredential(credential)
	if err != nil {
		s.logger.WithError(err).WithField("id", id).Warn("store: update marshal failed")
		return
	}
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `UPDATE auth_credentials SET credential_type = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(credential.Type), string(data), now, id); err != nil {
		s.logger.WithError(err).WithField("id", id).Warn("store: update credential failed")
	}
}

// DeleteAuthCredential soft-disables one row. Errors are swallowed.
func (s *Store) DeleteAuthCredential(ctx context.Context, id int64) {
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `UPDATE auth_credentials SET disabled = 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
		s.logger.WithError(err).WithField("id", id).Warn("store: delete credential failed")
	}
}

// DeleteAuthCredentialsForProvider soft-disables every row for provider.
// Errors are swallowed.
func (s *Store) DeleteAuthCredentialsForProvider(ctx context.Context, provider string) {
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `UPDATE auth_credentials SET disabled = 1, updated_at = ? WHERE provider = ?`, now, provider); err != nil {
		s.logger.WithError(err).WithField("provider", provider).Warn("store: delete provider credentials failed")
	}
}

// GetCache returns the value stored under key if it has not expired.
func (s *Store) GetCache(ctx context.Context, key string) (string, bool) {
	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err != nil {
		return "", false
	}
	if expiresAt <= time.Now().Unix() {
		return "", false
	}
	return value, true
}

// SetCache upserts key with an expiry given in unix seconds. Errors are
// swallowed.
func (s *Store) SetCache(ctx context.Context, key, value string, expiresAtSec int64) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`, key, value, expiresAtSec); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("store: set cache failed")
	}
}

// CleanExpiredCache removes every expired row. Errors are swallowed.
func (s *Store) CleanExpiredCache(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE expires_at <= ?`, time.Now().Unix()); err != nil {
		s.logger.WithError(err).Warn("store: clean expired cache failed")
	}
}

// ListProviders returns the distinct providers with at least one
// non-disabled row, sorted for deterministic output.
func (s *Store) ListProviders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT provider FROM auth_credentials WHERE disabled = 0`)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			continue
		}
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers, nil
}
