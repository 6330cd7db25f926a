package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/ingestcoord/internal/common/ingesterrors"
)

const testConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// WithTestDb creates a dedicated database on the local Postgres instance, applies migrations to it and hands a
// pool connected to it to action. The database is dropped afterwards. If no local instance is reachable an
// ErrNotFound is returned, so tests can skip.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	db, err := pgx.Connect(ctx, testConnectionString)
	if err != nil {
		return errors.WithStack(&ingesterrors.ErrNotFound{
			Type:    "postgres",
			Value:   "localhost:5432",
			Message: err.Error(),
		})
	}
	defer db.Close(ctx)

	dbName := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		// disconnect all db users before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}
		if _, err = db.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	testDbPool, err := pgxpool.Connect(ctx, testConnectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}
	defer testDbPool.Close()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return err
	}
	return action(testDbPool)
}
