// Package bunsource implements cache.RowSource over a bun database handle.
//
// Query text is passed to bun as is, so "?" placeholders are bound by the
// database's dialect. Every column of every row is returned; []byte values are
// converted to strings.
package bunsource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/goliatone/go-catalog-cache/cache"
)

// Source runs catalog queries against db.
type Source struct {
	db bun.IDB
}

// New wraps db, which may be a *bun.DB, bun.Tx or bun.Conn.
func New(db bun.IDB) *Source {
	return &Source{db: db}
}

// Dialect names the database behind the source, so callers can pick the
// catalog query text that matches it.
func (s *Source) Dialect() dialect.Name {
	return s.db.Dialect().Name()
}

// Query implements cache.RowSource.
func (s *Source) Query(ctx context.Context, q cache.Query) (cache.Rows, error) {
	if q.Text == "" {
		return nil, fmt.Errorf("query %s: empty text", q.Name)
	}
	rs, err := s.db.QueryContext(ctx, q.Text, q.Args...)
	if err != nil {
		return nil, classify(q.Name, err)
	}
	cols, err := rs.Columns()
	if err != nil {
		_ = rs.Close()
		return nil, classify(q.Name, err)
	}
	return &rows{query: q.Name, rs: rs, cols: cols}, nil
}

type rows struct {
	query string
	rs    *sql.Rows
	cols  []string
	row   cache.Row
	err   error
}

func (r *rows) Next() bool {
	if r.err != nil || !r.rs.Next() {
		r.row = nil
		return false
	}
	values := make([]any, len(r.cols))
	dest := make([]any, len(r.cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := r.rs.Scan(dest...); err != nil {
		r.err = err
		r.row = nil
		return false
	}

	row := make(cache.Row, len(r.cols))
	for i, col := range r.cols {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	r.row = row
	return true
}

func (r *rows) Row() cache.Row {
	return r.row
}

func (r *rows) Err() error {
	if r.err != nil {
		return classify(r.query, r.err)
	}
	if err := r.rs.Err(); err != nil {
		return classify(r.query, err)
	}
	return nil
}

func (r *rows) Close() error {
	return r.rs.Close()
}

// PostgreSQL SQLSTATEs for rejected credentials and missing privileges.
var authorizationStates = map[string]bool{
	"28000": true, // invalid_authorization_specification
	"28P01": true, // invalid_password
	"42501": true, // insufficient_privilege
}

// classify turns driver errors into transport errors. Context errors are
// returned unchanged so the caches report them as cancellations. A server
// that answered with an error other than a lost connection or an
// authorization failure rejected the query; anything unrecognised is treated
// as connectivity.
func classify(query string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &cache.TransportError{Query: query, Kind: kindOf(err), Err: err}
}

func kindOf(err error) cache.ErrorKind {
	var (
		pgErr   *pgconn.PgError
		liteErr *sqlite.Error
		netErr  net.Error
	)
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &netErr):
		return cache.KindConnectivity
	case errors.As(err, &pgErr):
		switch {
		case authorizationStates[pgErr.Code]:
			return cache.KindAuthorization
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			// connection_exception, operator_intervention
			return cache.KindConnectivity
		}
		return cache.KindQuery
	case errors.As(err, &liteErr):
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_AUTH, sqlite3.SQLITE_PERM:
			return cache.KindAuthorization
		case sqlite3.SQLITE_ERROR:
			return cache.KindQuery
		}
	}
	return cache.KindConnectivity
}
