package store

import (
	"strconv"
	"strings"
	"time"
)

// Dialect isolates the SQL that differs between sqlite and postgres.
type Dialect interface {
	// Now is the SQL expression for the current timestamp.
	Now() string
	// LockRow is appended to a SELECT that precedes an UPDATE of the same row.
	LockRow() string
	// InsertOrder is the column that orders documents by insertion.
	InsertOrder() string
	Schema() string
	// Rewrite adapts a query written with ? placeholders and sqlite
	// timestamps.
	Rewrite(query string) string
}

const sqliteNow = "datetime('now','localtime')"

type sqliteDialect struct{}

func (sqliteDialect) Now() string                 { return sqliteNow }
func (sqliteDialect) LockRow() string             { return "" }
func (sqliteDialect) InsertOrder() string         { return "rowid" }
func (sqliteDialect) Schema() string              { return schemaSQLite }
func (sqliteDialect) Rewrite(query string) string { return query }

type postgresDialect struct{}

func (postgresDialect) Now() string         { return "NOW()" }
func (postgresDialect) LockRow() string     { return " FOR UPDATE" }
func (postgresDialect) InsertOrder() string { return "seq" }
func (postgresDialect) Schema() string      { return schemaPostgres }

func (postgresDialect) Rewrite(query string) string {
	return Rebind(strings.ReplaceAll(query, sqliteNow, "NOW()"))
}

// parseTime converts a scanned timestamp. sqlite returns text, postgres
// returns time.Time.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		return parseTime(string(t))
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, "2006-01-02 15:04:05.999999-07:00"} {
			if parsed, err := time.ParseInLocation(layout, t, time.Local); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

// Rebind numbers ? placeholders as $1, $2, ... Question marks inside single
// quoted literals are left alone.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n, quoted := 0, false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
