// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/safar/handiehub/migrations"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	pgOnce sync.Once
	pgDB   *sql.DB
	pgErr  error
)

// PGTest returns a migrated Postgres database for the calling test. The first
// call in a test binary starts a container (or connects to POSTGRES_URL when
// set); later calls reuse it. Every application table is truncated when the
// test ends, so tests in one package must not run in parallel.
//
//	db := testutil.PGTest(t)
//
// The test is skipped under -short or when no container runtime is available.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}

	pgOnce.Do(func() {
		pgDB, pgErr = open(context.Background(), dbURL)
	})
	if pgErr != nil {
		t.Fatalf("pgtest: %v", pgErr)
	}

	t.Cleanup(func() { truncateAll(context.Background(), pgDB) })
	return pgDB
}

func open(ctx context.Context, dbURL string) (*sql.DB, error) {
	if dbURL == "" {
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("handiehub_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}

		dbURL, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			return nil, fmt.Errorf("container connection string: %w", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(40)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// truncateAll empties every application table. goose's version table is
// kept so the schema is not re-applied.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE")
	}
}
