package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/mcpbox/mcpbox/pkg/log"

	// Registers the cgo-free sqlite driver.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sweepInterval is how often expired rows are removed in the background.
const sweepInterval = 5 * time.Minute

const (
	clientKeyPrefix  = "client:"
	accessKeyPrefix  = "access:"
	refreshKeyPrefix = "refresh:"
)

// SQLiteStore persists every entity as JSON in a single kv table:
//
//	kv(key TEXT PRIMARY KEY, value TEXT NOT NULL, expires_at INTEGER NULL)
//
// Clients have no expires_at; tokens carry their expiry so a background
// sweeper can drop them without deserialising.
type SQLiteStore struct {
	db   *sqlx.DB
	stop chan struct{}
	done chan struct{}
	now  func() time.Time
}

// NewSQLiteStore opens (and migrates) the database at path and starts the
// expiry sweeper.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	migDriver, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}

	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return nil, err
	}

	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	if err != nil {
		return nil, err
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &SQLiteStore{
		db:   sqlx.NewDb(db, "sqlite"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		now:  time.Now,
	}
	go s.sweep()

	return s, nil
}

func (s *SQLiteStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	return getRecord[Client](ctx, s, clientKeyPrefix+clientID)
}

func (s *SQLiteStore) SaveClient(ctx context.Context, client *Client) error {
	return s.saveRecord(ctx, clientKeyPrefix+client.ClientID, client, nil)
}

func (s *SQLiteStore) DeleteClient(ctx context.Context, clientID string) error {
	return s.deleteRecord(ctx, clientKeyPrefix+clientID)
}

func (s *SQLiteStore) ListDynamicClients(ctx context.Context) ([]*Client, error) {
	var values []string
	err := s.db.SelectContext(ctx, &values, `SELECT value FROM kv WHERE key LIKE ?`, clientKeyPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	var dynamic []*Client
	for _, value := range values {
		var client Client
		if err := json.Unmarshal([]byte(value), &client); err != nil {
			return nil, fmt.Errorf("failed to decode client record: %w", err)
		}
		if client.Dynamic {
			dynamic = append(dynamic, &client)
		}
	}
	return dynamic, nil
}

func (s *SQLiteStore) GetAccessToken(ctx context.Context, hash string) (*Token, error) {
	return s.getToken(ctx, accessKeyPrefix+hash)
}

func (s *SQLiteStore) SaveAccessToken(ctx context.Context, token *Token) error {
	expires := token.ExpiresAt.Unix()
	return s.saveRecord(ctx, accessKeyPrefix+token.Hash, token, &expires)
}

func (s *SQLiteStore) DeleteAccessToken(ctx context.Context, hash string) error {
	return s.deleteRecord(ctx, accessKeyPrefix+hash)
}

func (s *SQLiteStore) GetRefreshToken(ctx context.Context, hash string) (*Token, error) {
	return s.getToken(ctx, refreshKeyPrefix+hash)
}

func (s *SQLiteStore) SaveRefreshToken(ctx context.Context, token *Token) error {
	expires := token.ExpiresAt.Unix()
	return s.saveRecord(ctx, refreshKeyPrefix+token.Hash, token, &expires)
}

func (s *SQLiteStore) DeleteRefreshToken(ctx context.Context, hash string) error {
	return s.deleteRecord(ctx, refreshKeyPrefix+hash)
}

// RotateRefreshToken deletes the old row and inserts the new one inside a
// single transaction; if either statement fails the old token survives.
func (s *SQLiteStore) RotateRefreshToken(ctx context.Context, oldHash string, replacement *Token) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txClose(tx, &err)

	res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, refreshKeyPrefix+oldHash)
	if err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("refresh token not found")
	}

	value, err := json.Marshal(replacement)
	if err != nil {
		return fmt.Errorf("failed to encode refresh token: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)`,
		refreshKeyPrefix+replacement.Hash, string(value), replacement.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) CleanupExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at < ?`, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to clean up expired rows: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	close(s.stop)
	<-s.done
	return s.db.Close()
}

func (s *SQLiteStore) sweep() {
	defer close(s.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.CleanupExpired(context.Background()); err != nil {
				log.Warnf("storage sweeper: %v", err)
			}
		}
	}
}

func (s *SQLiteStore) getToken(ctx context.Context, key string) (*Token, error) {
	token, err := getRecord[Token](ctx, s, key)
	if err != nil || token == nil {
		return nil, err
	}
	// The sweeper may lag; treat expired rows as absent.
	if token.Expired(s.now()) {
		if err := s.deleteRecord(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return token, nil
}

func getRecord[T any](ctx context.Context, s *SQLiteStore, key string) (*T, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var record T
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &record, nil
}

func (s *SQLiteStore) saveRecord(ctx context.Context, key string, record any, expiresAt *int64) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(value), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) deleteRecord(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func txClose(tx *sqlx.Tx, err *error) {
	if err == nil || *err == nil {
		return
	}

	if txerr := tx.Rollback(); txerr != nil {
		log.Warnf("failed to rollback transaction: %v", txerr)
	}
}
