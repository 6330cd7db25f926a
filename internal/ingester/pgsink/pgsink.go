// Package pgsink stores records in Postgres. Appends use the COPY protocol; replacing a partition deletes its rows
// and copies the new ones in a single transaction.
package pgsink

import (
	"context"
	"embed"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/ingestcoord/internal/common/database"
	"github.com/G-Research/ingestcoord/internal/common/ingestcontext"
	"github.com/G-Research/ingestcoord/internal/common/ingesterrors"
	"github.com/G-Research/ingestcoord/internal/common/metrics"
	"github.com/G-Research/ingestcoord/internal/ingester/model"
	"github.com/G-Research/ingestcoord/internal/partitionlock"
)

const recordsTable = "records"

var recordColumns = []string{"partition", "source", "line", "fields"}

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations for the records table.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations")
}

type Sink struct {
	db      *pgxpool.Pool
	lock    partitionlock.PartitionLock
	metrics *metrics.Metrics
}

func New(db *pgxpool.Pool, lock partitionlock.PartitionLock, m *metrics.Metrics) *Sink {
	return &Sink{db: db, lock: lock, metrics: m}
}

func (s *Sink) Store(ctx context.Context, partition string, records []model.Record) error {
	start := time.Now()
	release, err := s.lock.EntryAccess(ctx, partition)
	if err != nil {
		return errors.WithMessagef(err, "error waiting to store to partition %s", partition)
	}
	defer release()
	s.metrics.RecordLockWait(metrics.AccessModeEntry, time.Since(start))

	if len(records) == 0 {
		return nil
	}
	if err := copyRecords(ctx, s.db, partition, records); err != nil {
		return classify(err)
	}
	s.metrics.RecordRecordsStored(partition, metrics.AccessModeEntry, len(records))
	return nil
}

func (s *Sink) Replace(ctx context.Context, partition string, records []model.Record) error {
	start := time.Now()
	release, err := s.lock.WholePartitionAccess(ctx, partition)
	if err != nil {
		return errors.WithMessagef(err, "error waiting to replace partition %s", partition)
	}
	defer release()
	s.metrics.RecordLockWait(metrics.AccessModeWhole, time.Since(start))

	var deleted int64
	err = s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM records WHERE partition = $1`, partition)
		if err != nil {
			return errors.WithStack(err)
		}
		deleted = tag.RowsAffected()
		return copyRecords(ctx, tx, partition, records)
	})
	if err != nil {
		return classify(err)
	}
	ingestcontext.FromContext(ctx).Log.
		WithField("partition", partition).
		Debugf("Replaced %d rows with %d", deleted, len(records))
	s.metrics.RecordRecordsStored(partition, metrics.AccessModeWhole, len(records))
	return nil
}

// Records returns the rows currently stored for partition, ordered by source and line.
func (s *Sink) Records(ctx context.Context, partition string) ([]model.Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT source, line, fields FROM records WHERE partition = $1 ORDER BY source, line`, partition)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		var r model.Record
		if err := rows.Scan(&r.Source, &r.Line, &r.Fields); err != nil {
			return nil, errors.WithStack(err)
		}
		records = append(records, r)
	}
	return records, errors.WithStack(rows.Err())
}

type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

func copyRecords(ctx context.Context, db copier, partition string, records []model.Record) error {
	n, err := db.CopyFrom(ctx,
		pgx.Identifier{recordsTable},
		recordColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]interface{}, error) {
			r := records[i]
			return []interface{}{partition, r.Source, r.Line, r.Fields}, nil
		}),
	)
	if err != nil {
		return errors.WithStack(err)
	}
	if n != int64(len(records)) {
		return errors.Errorf("only %d out of %d rows were inserted", n, len(records))
	}
	return nil
}

// classify turns a missing table into an ErrNotFound so callers can tell an unmigrated database from a failure.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return errors.WithStack(&ingesterrors.ErrNotFound{
			Type:    "table",
			Value:   recordsTable,
			Message: "has the database been migrated?",
		})
	}
	return err
}
