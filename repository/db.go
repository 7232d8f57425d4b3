package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	auth "github.com/goliatone/go-authcore"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to driver/dsn and returns a bun handle with the matching
// dialect. SQLite in memory databases are pinned to a single connection so
// every query sees the same schema.
func Open(driver, dsn string) (*bun.DB, error) {
	switch driver {
	case DriverSQLite, "sqlite3":
		sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	case DriverPostgres, "pgx":
		sqldb, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// CreateSchema creates the tables used by the repositories when missing.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	models := []any{
		(*auth.Account)(nil),
		(*auth.Role)(nil),
		(*auth.RevokedToken)(nil),
		(*auth.SubjectRevocation)(nil),
		(*auth.Session)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table %T: %w", model, err)
		}
	}

	_, err := db.NewCreateIndex().
		Model((*auth.RevokedToken)(nil)).
		Index("idx_revoked_tokens_expires_at").
		IfNotExists().
		Column("expires_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create revoked_tokens index: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*auth.Session)(nil)).
		Index("idx_auth_sessions_account_id").
		IfNotExists().
		Column("account_id", "revoked_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create auth_sessions index: %w", err)
	}
	return nil
}
