// Package infra provisions the database the integration suite runs against:
// a throwaway Postgres 16 container by default, or a server reused through
// SITTERFLOW_TEST_PG_DSN. Either way every migration is applied into a fresh
// per-run schema, so parallel runs can share one server.
package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// ErrUnavailable wraps provisioning failures a test should skip on rather
// than fail: no reachable Docker daemon and no SITTERFLOW_TEST_PG_DSN.
var ErrUnavailable = errors.New("infra: no postgres available")

// TestDB is one provisioned database with the module's schema applied.
type TestDB struct {
	Pool *pgxpool.Pool

	container  *postgres.PostgresContainer
	dropSchema func(context.Context) error
}

// Start provisions the database and applies the migrations into an
// it_run_<nano> schema that Close drops again.
func Start(ctx context.Context) (*TestDB, error) {
	db := &TestDB{}
	dsn := os.Getenv("SITTERFLOW_TEST_PG_DSN")
	if dsn == "" {
		c, err := postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("sitterflow_test"),
			postgres.WithUsername("sitterflow"),
			postgres.WithPassword("sitterflow"),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: start container: %v", ErrUnavailable, err)
		}
		db.container = c
		dsn, err = c.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("%w: container dsn: %v", ErrUnavailable, err)
		}
	}

	schema := fmt.Sprintf("it_run_%d", time.Now().UnixNano())
	ident := pgx.Identifier{schema}.Sanitize()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("%w: connect: %v", ErrUnavailable, err)
	}
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
	conn.Close(ctx)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("infra: create schema %s: %w", schema, err)
	}
	db.dropSchema = func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		return err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("infra: parse dsn: %w", err)
	}
	setPath := "SET search_path TO " + ident
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, setPath)
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("infra: connect pool: %w", err)
	}
	db.Pool = pool

	if err := applyMigrations(ctx, pool); err != nil {
		db.Close(ctx)
		return nil, err
	}
	return db, nil
}

// Close releases the pool, drops the run schema and terminates the container.
func (db *TestDB) Close(ctx context.Context) {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.dropSchema != nil {
		_ = db.dropSchema(ctx)
	}
	if db.container != nil {
		_ = db.container.Terminate(ctx)
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return errors.New("infra: cannot locate migrations directory")
	}
	dir := filepath.Join(filepath.Dir(file), "..", "..", "migrations")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("infra: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("infra: read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("infra: apply %s: %w", name, err)
		}
	}
	return nil
}
