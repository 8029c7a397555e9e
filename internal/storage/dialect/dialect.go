// Package dialect captures what differs between the SQL backends the stores
// run on: driver, placeholder style, column types, upserts and paging.
package dialect

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Name identifies a backend.
type Name string

const (
	SQLite   Name = "sqlite"
	Postgres Name = "postgres"
)

// Dialect describes one backend. Queries are written with ? placeholders
// and passed through Rebind.
type Dialect struct {
	Name Name
	// Driver is the database/sql driver name.
	Driver string
	// Timestamp is the column type for timestamps.
	Timestamp string
	// SingleWriter limits the pool to one connection.
	SingleWriter bool
	// Init runs once after the database is opened.
	Init []string

	bind int
}

var dialects = map[Name]Dialect{
	SQLite: {
		Name:         SQLite,
		Driver:       "sqlite",
		Timestamp:    "TIMESTAMP",
		SingleWriter: true,
		Init: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		},
		bind: sqlx.QUESTION,
	},
	Postgres: {
		Name:      Postgres,
		Driver:    "pgx",
		Timestamp: "TIMESTAMP WITH TIME ZONE",
		bind:      sqlx.DOLLAR,
	},
}

// For returns the dialect for a storage type or driver name.
func For(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return dialects[SQLite], nil
	case "postgres", "postgresql", "pgx":
		return dialects[Postgres], nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
}

// Rebind converts ? placeholders to the backend's style.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.bind, query)
}

// OnConflict returns the upsert clause for a unique column. With no update
// columns the existing row is kept.
func (d Dialect) OnConflict(column string, update ...string) string {
	if len(update) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", column)
	}
	sets := make([]string, len(update))
	for i, col := range update {
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", column, strings.Join(sets, ", "))
}

// Page appends LIMIT and OFFSET clauses to query. Zero means no limit or no
// offset. SQLite only accepts OFFSET after a LIMIT.
func (d Dialect) Page(query string, args []any, limit, offset int) (string, []any) {
	switch {
	case limit > 0:
		query += " LIMIT ?"
		args = append(args, limit)
	case offset > 0 && d.Name == SQLite:
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
