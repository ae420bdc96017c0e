package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"breakerpay/internal/models"
)

// PostgresStore keeps the ledger in Postgres: one row per tarjeta, breaker
// and arduino. The working copy lives in memory and every Mutate writes the
// full document back in a single transaction, so the same single-writer
// discipline as the file store applies.
type PostgresStore struct {
	logger *zap.Logger
	pool   *pgxpool.Pool

	mu   sync.RWMutex
	data *models.Snapshot
}

// NewPostgresStore connects, migrates and loads the ledger.
func NewPostgresStore(ctx context.Context, logger *zap.Logger, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	ps := &PostgresStore{logger: logger, pool: pool}
	if err := ps.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	snap, err := ps.load(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	ps.data = snap
	logger.Info("Ledger loaded from postgres",
		zap.Int("tarjetas", len(snap.Tarjetas)),
		zap.Int("breakers", len(snap.Breakers)),
		zap.Int("arduinos", len(snap.Arduinos)))
	return ps, nil
}

// Snapshot returns a consistent deep copy of the document.
func (ps *PostgresStore) Snapshot(_ context.Context) (*models.Snapshot, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.data.Clone(), nil
}

// Mutate applies fn to a private copy and, on change, writes the whole
// document back in one transaction.
func (ps *PostgresStore) Mutate(ctx context.Context, fn MutateFunc) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	work := ps.data.Clone()
	changed, err := fn(work)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := ps.save(ctx, work); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	ps.data = work
	return nil
}

// Watch returns nil: no out-of-process writer is expected on the database.
func (ps *PostgresStore) Watch(_ context.Context) <-chan struct{} {
	return nil
}

// Close releases the pool.
func (ps *PostgresStore) Close() {
	ps.pool.Close()
}

func (ps *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateTarjetas,
		migrationCreateBreakers,
		migrationCreateArduinos,
	}
	for _, m := range migrations {
		if _, err := ps.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (ps *PostgresStore) load(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{}

	rows, err := ps.pool.Query(ctx, `SELECT id, saldo FROM tarjetas ORDER BY pos`)
	if err != nil {
		return nil, fmt.Errorf("load tarjetas: %w", err)
	}
	for rows.Next() {
		t := &models.Tarjeta{}
		if err := rows.Scan(&t.ID, &t.Saldo); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tarjeta: %w", err)
		}
		snap.Tarjetas = append(snap.Tarjetas, t)
	}
	rows.Close()

	rows, err = ps.pool.Query(ctx, `SELECT doc FROM breakers ORDER BY pos`)
	if err != nil {
		return nil, fmt.Errorf("load breakers: %w", err)
	}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan breaker: %w", err)
		}
		b := &models.Breaker{}
		if err := json.Unmarshal(raw, b); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode breaker: %w", err)
		}
		snap.Breakers = append(snap.Breakers, b)
	}
	rows.Close()

	rows, err = ps.pool.Query(ctx, `SELECT doc FROM arduinos ORDER BY pos`)
	if err != nil {
		return nil, fmt.Errorf("load arduinos: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan arduino: %w", err)
		}
		a := &models.Arduino{}
		if err := json.Unmarshal(raw, a); err != nil {
			return nil, fmt.Errorf("decode arduino: %w", err)
		}
		snap.Arduinos = append(snap.Arduinos, a)
	}
	return snap, nil
}

func (ps *PostgresStore) save(ctx context.Context, snap *models.Snapshot) error {
	tx, err := ps.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"tarjetas", "breakers", "arduinos"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for i, t := range snap.Tarjetas {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tarjetas (id, saldo, pos) VALUES ($1, $2, $3)`,
			t.ID, t.Saldo, i); err != nil {
			return fmt.Errorf("insert tarjeta: %w", err)
		}
	}
	for i, b := range snap.Breakers {
		doc, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode breaker: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO breakers (id, doc, pos) VALUES ($1, $2, $3)`,
			b.ID, doc, i); err != nil {
			return fmt.Errorf("insert breaker: %w", err)
		}
	}
	for i, a := range snap.Arduinos {
		doc, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode arduino: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO arduinos (id, doc, pos) VALUES ($1, $2, $3)`,
			a.ID, doc, i); err != nil {
			return fmt.Errorf("insert arduino: %w", err)
		}
	}
	return tx.Commit(ctx)
}

const migrationCreateTarjetas = `
CREATE TABLE IF NOT EXISTS tarjetas (
    id TEXT PRIMARY KEY,
    saldo DOUBLE PRECISION NOT NULL DEFAULT 0,
    pos INT NOT NULL DEFAULT 0
);
`

const migrationCreateBreakers = `
CREATE TABLE IF NOT EXISTS breakers (
    id TEXT PRIMARY KEY,
    doc JSONB NOT NULL,
    pos INT NOT NULL DEFAULT 0
);
`

const migrationCreateArduinos = `
CREATE TABLE IF NOT EXISTS arduinos (
    id TEXT PRIMARY KEY,
    doc JSONB NOT NULL,
    pos INT NOT NULL DEFAULT 0
);
`
