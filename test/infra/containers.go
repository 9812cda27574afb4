package infra

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns a DSN. If overrideDSN,
// SAGE_TEST_PG_DSN or DATABASE_URL is set, it reuses that database.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	for _, key := range []string{"SAGE_TEST_PG_DSN", "DATABASE_URL"} {
		if dsn := os.Getenv(key); dsn != "" {
			return &PGContainer{}, dsn, nil
		}
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("sage"),
		postgres.WithUsername("sage"),
		postgres.WithPassword("sage"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

// PostgresDSN starts (or reuses) a database for the test and returns its DSN.
// It skips the test when neither a DSN nor a container runtime is available.
func PostgresDSN(t testing.TB) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres tests skipped in -short mode")
	}
	ctx := context.Background()

	pg, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })
	return dsn
}

// MigratedPool returns a pool bound to a fresh, migrated schema on dsn.
func MigratedPool(t testing.TB, dsn string) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, cleanup, err := ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_ = cleanup(context.Background())
	})
	return pool
}

// Postgres gives a test an isolated, migrated schema.
func Postgres(t testing.TB) *pgxpool.Pool {
	t.Helper()
	return MigratedPool(t, PostgresDSN(t))
}
