// Package database owns the single database connection of an import
// process and, when configured, the SSH tunnel it runs over.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	pq "github.com/lib/pq"
)

type Config struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// Querier is the subset of *sql.DB and *sql.Tx used by the import
// components. Manager implements it as a forwarding proxy.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Beginner starts transactions. Manager and *sql.DB implement it.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Tunnel is a port forward the connection runs over.
type Tunnel interface {
	Start() error
	Stop() error
	Restart() error
	IsAlive() bool
	LocalHost() string
	LocalPort() int
}

// connectionParams returns lib/pq key/value connection parameters for the
// given endpoint.
func (c Config) connectionParams(host string, port int) string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	params := []string{
		"host=" + quoteParam(host),
		"port=" + strconv.Itoa(port),
		"dbname=" + quoteParam(c.Name),
		"user=" + quoteParam(c.User),
		"sslmode=" + quoteParam(sslmode),
	}
	if c.Password != "" {
		params = append(params, "password="+quoteParam(c.Password))
	}
	return strings.Join(params, " ")
}

func quoteParam(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.Replace(v, `\`, `\\`, -1)
	v = strings.Replace(v, `'`, `\'`, -1)
	return "'" + v + "'"
}

// ConnectionURI returns a postgresql:// URI without password for external
// tools. The password is expected from a pgpass file or a prompt.
func ConnectionURI(user, host string, port int, dbname string) string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.User(user),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + dbname,
	}
	return u.String()
}

// QueryInt64 runs a query returning a single integer.
func QueryInt64(ctx context.Context, q Querier, query string, args ...interface{}) (int64, error) {
	var v int64
	err := queryOne(ctx, q, &v, query, args...)
	return v, err
}

// QueryBool runs a query returning a single boolean.
func QueryBool(ctx context.Context, q Querier, query string, args ...interface{}) (bool, error) {
	var v bool
	err := queryOne(ctx, q, &v, query, args...)
	return v, err
}

func queryOne(ctx context.Context, q Querier, dest interface{}, query string, args ...interface{}) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := rows.Scan(dest); err != nil {
		return err
	}
	return rows.Close()
}

// QuoteIdent quotes a schema or table name.
func QuoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

// QualifiedName returns "schema"."table".
func QualifiedName(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}
