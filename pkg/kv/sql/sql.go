// Package sql is a kv.Store kept in a Postgres table.
package sql

import (
	"context"
	"database/sql"
	"strings"

	"github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/deliverybot/deploybot/pkg/kv"
)

const table = "deploybot_kv"

const schema = `CREATE TABLE IF NOT EXISTS ` + table + ` (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
)`

// A kv store that uses a SQL database
type Store struct {
	driver *sql.DB
	sq     squirrel.StatementBuilderType
}

var _ kv.Store = &Store{}

// Open connects to the postgres database at dsn, creating the table if
// need be.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, s.sanityCheck()
}

// New uses an already open database. The table must exist; see Migrate.
func New(db *sql.DB) *Store {
	return &Store{
		driver: db,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.driver.ExecContext(ctx, schema)
	return errors.Wrap(err, "creating kv table")
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	query, args, err := s.sq.Insert(table).
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()").
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.driver.ExecContext(ctx, query, args...)
	return errors.Wrapf(err, "storing %s", key)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	query, args, err := s.sq.Select("value").
		From(table).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var value []byte
	err = s.driver.QueryRowContext(ctx, query, args...).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", key)
	}
	return value, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	query, args, err := s.sq.Delete(table).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.driver.ExecContext(ctx, query, args...)
	return errors.Wrapf(err, "deleting %s", key)
}

func (s *Store) List(ctx context.Context, prefix string) ([][]byte, error) {
	query, args, err := s.sq.Select("value").
		From(table).
		Where(squirrel.Like{"key": escapeLike(kv.Dir(prefix)) + "%"}).
		OrderBy("key").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.driver.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", prefix)
	}
	defer rows.Close()

	values := [][]byte{}
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) sanityCheck() error {
	rows, err := s.driver.Query("SELECT key, value FROM " + table + " LIMIT 1")
	if err != nil {
		return errors.Wrap(err, "sanity checking kv table")
	}
	return rows.Close()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes the LIKE metacharacters in s. Postgres uses
// backslash as the default escape character.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
