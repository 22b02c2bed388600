package slotstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// dialect decides how '?' placeholders reach the driver.
type dialect int

const (
	questionMarks dialect = iota // sqlite
	dollarNumbers                // postgres
)

func (d dialect) bind(query string) string {
	if d == dollarNumbers {
		return numberPlaceholders(query)
	}
	return query
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs queries written with '?' placeholders against the store's dialect.
type conn struct {
	q       querier
	dialect dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.bind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.bind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.bind(query), args...)
}

// count runs a COUNT(*) style query.
func (c conn) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := c.queryRow(ctx, query, args...).Scan(&n)
	return n, err
}

// numberPlaceholders rewrites '?' outside string literals to $1, $2, ...
func numberPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	next := 1
	quoted := false
	for i := 0; i < len(query); i++ {
		switch ch := query[i]; {
		case ch == '\'':
			// '' inside a literal is an escaped quote and keeps the literal open
			if quoted && i+1 < len(query) && query[i+1] == '\'' {
				out.WriteString("''")
				i++
				continue
			}
			quoted = !quoted
			out.WriteByte(ch)
		case ch == '?' && !quoted:
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(next))
			next++
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}
