package lockwarden

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLocksTableName   = "lockwarden_locks"
	postgresDefaultOwnerKey  = "default"
	postgresOwnerParam       = "owner"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keeps one LockSet document per owner key. The owner
// key comes from the DSN's "owner" query parameter, which is stripped before
// the DSN reaches the driver.
type PostgresStateBackend struct {
	dsn       string
	tableName string
	ownerKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	driverDSN, ownerKey, err := splitPostgresOwner(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStateBackend{
		dsn:       driverDSN,
		tableName: postgresLocksTableName,
		ownerKey:  ownerKey,
		openDB:    sql.Open,
	}, nil
}

func splitPostgresOwner(dsn string) (string, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", err
	}
	query := parsed.Query()
	owner := strings.TrimSpace(query.Get(postgresOwnerParam))
	if owner == "" {
		owner = postgresDefaultOwnerKey
	}
	query.Del(postgresOwnerParam)
	parsed.RawQuery = query.Encode()
	return parsed.String(), owner, nil
}

func (b *PostgresStateBackend) Describe() string {
	return "postgres://" + b.ownerKey
}

func (b *PostgresStateBackend) Load() (*LockSet, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT document FROM %s WHERE owner_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.ownerKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLockSet([]byte(payload))
}

func (b *PostgresStateBackend) Save(locks *LockSet) error {
	if b == nil || locks == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := encodeLockSet(locks)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (owner_key, document, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_key)
		DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.ownerKey, string(payload))
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				owner_key TEXT PRIMARY KEY,
				document TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
