// Package schema creates schemas and extensions and checks whether a schema
// may receive a new import.
package schema

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/roadgraphtool/roadgraphtool/database"
	"github.com/roadgraphtool/roadgraphtool/log"
)

// DefaultTables are checked by IsImportable when no tables are given.
var DefaultTables = []string{"nodes", "ways"}

type SQLError struct {
	query         string
	originalError error
}

func (e *SQLError) Error() string {
	return fmt.Sprintf("SQL Error: %s in query %s", e.originalError.Error(), e.query)
}

func (e *SQLError) Query() string { return e.query }
func (e *SQLError) Cause() error  { return e.originalError }
func (e *SQLError) Unwrap() error { return e.originalError }

type Guard struct {
	db database.Querier
}

func NewGuard(db database.Querier) *Guard {
	return &Guard{db: db}
}

// EnsureSchema creates the schema if it does not exist. public is never
// created.
func (g *Guard) EnsureSchema(ctx context.Context, name string) error {
	if name == "public" {
		return nil
	}
	sql := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", database.QuoteIdent(name))
	if _, err := g.db.ExecContext(ctx, sql); err != nil {
		return &SQLError{sql, err}
	}
	log.Debugf("schema %s ready", name)
	return nil
}

// EnsureExtension installs the extension into schema if it is not
// installed in the database.
func (g *Guard) EnsureExtension(ctx context.Context, name, schema string) error {
	sql := fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s SCHEMA %s",
		database.QuoteIdent(name), database.QuoteIdent(schema))
	if _, err := g.db.ExecContext(ctx, sql); err != nil {
		return &SQLError{sql, err}
	}
	return nil
}

const tableExistsSQL = `SELECT EXISTS(SELECT * FROM information_schema.tables WHERE table_schema=$1 AND table_name=$2)`

func (g *Guard) TableExists(ctx context.Context, schema, table string) (bool, error) {
	exists, err := database.QueryBool(ctx, g.db, tableExistsSQL, schema, table)
	if err != nil {
		return false, &SQLError{tableExistsSQL, err}
	}
	return exists, nil
}

// IsImportable returns true if every table is absent or empty. An empty
// tables list checks DefaultTables.
func (g *Guard) IsImportable(ctx context.Context, schema string, tables []string) (bool, error) {
	if len(tables) == 0 {
		tables = DefaultTables
	}
	for _, table := range tables {
		exists, err := g.TableExists(ctx, schema, table)
		if err != nil {
			return false, err
		}
		if !exists {
			continue
		}
		sql := fmt.Sprintf("SELECT EXISTS(SELECT * FROM %s LIMIT 1)",
			database.QualifiedName(schema, table))
		hasData, err := database.QueryBool(ctx, g.db, sql)
		if err != nil {
			return false, &SQLError{sql, err}
		}
		if hasData {
			log.Debugf("table %s.%s is not empty", schema, table)
			return false, nil
		}
	}
	return true, nil
}

// DropSchema removes the schema with all its tables.
func (g *Guard) DropSchema(ctx context.Context, name string) error {
	if name == "public" {
		return errors.New("refusing to drop schema public")
	}
	sql := fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", database.QuoteIdent(name))
	if _, err := g.db.ExecContext(ctx, sql); err != nil {
		return &SQLError{sql, err}
	}
	log.Printf("dropped schema %s", name)
	return nil
}
