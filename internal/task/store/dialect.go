package store

import (
	"embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type dialect struct {
	name   string
	driver string
	schema string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	// lockSuffix is appended to the claim select.
	lockSuffix string

	// scopeLock serializes claims per scope for the rest of the transaction.
	scopeLock string

	// offsetOnly pages without a row limit.
	offsetOnly string
}

var (
	sqliteDialect = dialect{
		name:   "sqlite",
		driver: "sqlite",
		schema: "schema/sqlite.sql",
		// sqlite accepts OFFSET only after a LIMIT; -1 means unbounded.
		offsetOnly: " LIMIT -1 OFFSET ?",
	}
	postgresDialect = dialect{
		name:       "postgres",
		driver:     "pgx",
		schema:     "schema/postgres.sql",
		numbered:   true,
		lockSuffix: " FOR UPDATE",
		scopeLock:  "SELECT pg_advisory_xact_lock(?)",
		offsetOnly: " OFFSET ?",
	}
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d dialect) statements(table string) ([]string, error) {
	b, err := schemaFS.ReadFile(d.schema)
	if err != nil {
		return nil, err
	}
	src := strings.ReplaceAll(string(b), "{{table}}", table)
	var out []string
	for _, stmt := range strings.Split(src, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// dsn builds the driver connection string.
//
// For sqlite every connection gets busy_timeout and WAL, and transactions
// begin IMMEDIATE so a claim holds the write lock from its first read.
func (d dialect) dsn(cfg Config) (string, error) {
	if d.name != "sqlite" {
		if strings.TrimSpace(cfg.DSN) == "" {
			return "", fmt.Errorf("store: postgres dsn is required")
		}
		return cfg.DSN, nil
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", fmt.Errorf("store: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode(), nil
}

func validTable(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
