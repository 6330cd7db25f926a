package database

import (
	"context"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Migration struct {
	ID   int
	Name string
	SQL  string
}

// UpdateDatabase applies, in order, every migration newer than the version recorded in the database.
func UpdateDatabase(ctx context.Context, db pgxtype.Querier, migrations []Migration) error {
	log.Info("Updating postgres...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.ID > version {
			if _, err := db.Exec(ctx, m.SQL); err != nil {
				return errors.WithMessagef(err, "error applying migration %s", m.Name)
			}
			version = m.ID
			if err := setVersion(ctx, db, version); err != nil {
				return err
			}
		}
	}
	log.Info("Database updated.")
	return nil
}

func readVersion(ctx context.Context, db pgxtype.Querier) (int, error) {
	_, err := db.Exec(ctx,
		`CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0;`)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var version int
	if err := db.QueryRow(ctx, `SELECT last_value FROM database_version`).Scan(&version); err != nil {
		return 0, errors.WithStack(err)
	}
	return version, nil
}

func setVersion(ctx context.Context, db pgxtype.Querier, version int) error {
	_, err := db.Exec(ctx, `SELECT setval('database_version', $1)`, version)
	return errors.WithStack(err)
}

// ReadMigrations loads the .sql files in dir of fsys. Each file name must start with its numeric id followed by
// an underscore, e.g. 001_create_records.sql; migrations are returned in id order.
func ReadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		id, err := strconv.Atoi(strings.Split(entry.Name(), "_")[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "migration %s does not start with a numeric id", entry.Name())
		}
		sql, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		migrations = append(migrations, Migration{ID: id, Name: entry.Name(), SQL: string(sql)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}
