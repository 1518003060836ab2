package store

import (
	"strconv"
	"strings"
)

// dialect captures the SQL differences between the supported drivers.
type dialect struct {
	name      string
	driver    string
	forUpdate string // row lock suffix for SELECTs inside write transactions
	numbered  bool   // $1, $2 placeholders instead of ?
}

var (
	dialectLibSQL   = dialect{name: "libsql", driver: "libsql"}
	dialectPostgres = dialect{name: "postgres", driver: "pgx", forUpdate: " FOR UPDATE", numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them.
// Queries never contain literal question marks.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
