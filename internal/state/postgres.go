package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	// postgres driver
	_ "github.com/lib/pq"

	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig holds connection settings for the postgres backend.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

const (
	selectStateSQL = `SELECT state, created_at, updated_at FROM processing_states WHERE document_id = $1`
	lockStateSQL   = `SELECT state, created_at, updated_at FROM processing_states WHERE document_id = $1 FOR UPDATE`
	selectAllSQL   = `SELECT state, created_at, updated_at FROM processing_states ORDER BY updated_at DESC, document_id`
	deleteStateSQL = `DELETE FROM processing_states WHERE document_id = $1`
	updateStateSQL = `UPDATE processing_states SET state = $2, status = $3, updated_at = $4 WHERE document_id = $1`
	upsertStateSQL = `INSERT INTO processing_states (document_id, state, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (document_id) DO UPDATE SET state = EXCLUDED.state, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
RETURNING created_at`
)

// PostgresStore keeps each state as a JSONB row. The created_at and
// updated_at columns are authoritative for the bookkeeping timestamps.
type PostgresStore struct {
	db     *sqlx.DB
	logger logger.Logger
	now    func() time.Time
}

type stateRow struct {
	State     []byte    `db:"state"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r stateRow) decode() (*models.ProcessingState, error) {
	s, err := decodeState(r.State)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = r.CreatedAt
	s.UpdatedAt = r.UpdatedAt
	return s, nil
}

// OpenPostgres connects, applies the embedded migrations and returns the store.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, log logger.Logger) (*PostgresStore, error) {
	conn, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Running database migrations")
	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return NewPostgresStore(conn, log), nil
}

func NewPostgresStore(db *sqlx.DB, log logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: log, now: time.Now}
}

func runMigrations(db *sqlx.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	_, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return errors.New("failed to apply migrations: database is in a dirty state")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	var row stateRow
	err := p.db.GetContext(ctx, &row, selectStateSQL, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	return row.decode()
}

func (p *PostgresStore) Put(ctx context.Context, s *models.ProcessingState) error {
	if err := validateForWrite(s); err != nil {
		return err
	}
	now := p.now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	var createdAt time.Time
	if err := p.db.QueryRowxContext(ctx, upsertStateSQL, s.DocumentID, data, string(s.Status), now).Scan(&createdAt); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	s.CreatedAt = createdAt
	s.UpdatedAt = now
	return nil
}

// Update locks the row for the duration of fn.
func (p *PostgresStore) Update(ctx context.Context, documentID string, fn UpdateFunc) (_ *models.ProcessingState, err error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				p.logger.Warn("Failed to roll back state update",
					logger.String("documentId", documentID),
					logger.Error(rbErr),
				)
			}
		}
	}()

	var row stateRow
	if err = tx.GetContext(ctx, &row, lockStateSQL, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock state: %w", err)
	}

	s, err := row.decode()
	if err != nil {
		return nil, err
	}
	if err = applyUpdate(s, documentID, fn); err != nil {
		return nil, err
	}
	s.UpdatedAt = p.now().UTC()

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	if _, err = tx.ExecContext(ctx, updateStateSQL, documentID, data, string(s.Status), s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update state: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit state update: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Delete(ctx context.Context, documentID string) error {
	if _, err := p.db.ExecContext(ctx, deleteStateSQL, documentID); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*models.ProcessingState, error) {
	var rows []stateRow
	if err := p.db.SelectContext(ctx, &rows, selectAllSQL); err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	out := make([]*models.ProcessingState, 0, len(rows))
	for _, row := range rows {
		s, err := row.decode()
		if err != nil {
			p.logger.Warn("Skipping unreadable state", logger.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
