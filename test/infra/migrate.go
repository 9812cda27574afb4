package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DaveLoeffel/sage-app-sub001/db"
)

// runSchema is a throwaway schema a single test run writes into. Obligations
// cannot be deleted, so dropping the schema is the only way to reset.
type runSchema struct {
	dsn  string
	name string
}

func newRunSchema(dsn string) runSchema {
	return runSchema{dsn: dsn, name: fmt.Sprintf("sage_run_%d", time.Now().UnixNano())}
}

func (r runSchema) exec(ctx context.Context, verb string) error {
	conn, err := pgx.Connect(ctx, r.dsn)
	if err != nil {
		return fmt.Errorf("%s schema %s: %w", verb, r.name, err)
	}
	defer conn.Close(ctx)

	stmt := "CREATE SCHEMA " + pgx.Identifier{r.name}.Sanitize()
	if verb == "drop" {
		stmt = "DROP SCHEMA IF EXISTS " + pgx.Identifier{r.name}.Sanitize() + " CASCADE"
	}
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%s schema %s: %w", verb, r.name, err)
	}
	return nil
}

// bind points every pooled connection at the schema from the first query on.
func (r runSchema) bind(cfg *pgxpool.Config) {
	cfg.ConnConfig.RuntimeParams["search_path"] = r.name
}

// ApplyMigrations opens a pool on dsn and brings it to the latest schema
// version. With isolate set the pool lives in its own run schema, which the
// returned teardown drops.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}

	teardown := func(context.Context) error { return nil }
	if isolate {
		run := newRunSchema(dsn)
		if err := run.exec(ctx, "create"); err != nil {
			return nil, nil, err
		}
		run.bind(cfg)
		teardown = func(ctx context.Context) error { return run.exec(ctx, "drop") }
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		_ = teardown(ctx)
		return nil, nil, fmt.Errorf("open pool: %w", err)
	}
	if _, err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		_ = teardown(ctx)
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return pool, teardown, nil
}
