package tableio

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// Options tune the embedded engine. Zero values keep DuckDB's defaults.
type Options struct {
	// MemoryLimit caps the buffer pool, e.g. "4GB". Joins and sorts that
	// outgrow it spill to disk.
	MemoryLimit string
	Threads     int
}

func (o Options) dsn() string {
	v := url.Values{}
	if o.MemoryLimit != "" {
		v.Set("memory_limit", o.MemoryLimit)
	}
	if o.Threads > 0 {
		v.Set("threads", strconv.Itoa(o.Threads))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// DB is an in-memory DuckDB database. Tables are registered as views over
// their files, so nothing is read until a query needs it.
type DB struct {
	db *sql.DB
}

// Open starts an in-memory database. Every pooled connection shares its
// catalog.
func Open(ctx context.Context, opts Options) (*DB, error) {
	db, err := sql.Open("duckdb", opts.dsn())
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Exec runs a statement that returns no rows.
func (d *DB) Exec(ctx context.Context, query string) error {
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Column is a column name and its DuckDB type, e.g. "VARCHAR" or "BIGINT[]".
type Column struct {
	Name string
	Type string
}

// Table is a registered view and the columns it exposes.
type Table struct {
	Name    string
	Columns []Column
}

// Ref is the quoted name for use in FROM clauses.
func (t *Table) Ref() string { return Ident(t.Name) }

func (t *Table) Has(name string) bool {
	_, ok := t.Column(name)
	return ok
}

func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Register creates or replaces view name over the table at path and
// returns its columns. path follows the rules of ScanExpr. Column names are
// lower-cased and made unique.
func (d *DB) Register(ctx context.Context, name, path string) (*Table, error) {
	scan, err := ScanExpr(path)
	if err != nil {
		return nil, err
	}
	cols, err := d.describe(ctx, "SELECT * FROM "+scan)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoColumns, path)
	}

	raw := make([]string, len(cols))
	for i, c := range cols {
		raw[i] = c.Name
	}
	names := normalizeHeader(raw)
	sel := make([]string, len(cols))
	for i := range cols {
		sel[i] = Ident(raw[i]) + " AS " + Ident(names[i])
		cols[i].Name = names[i]
	}

	q := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT %s FROM %s", Ident(name), strings.Join(sel, ", "), scan)
	if err := d.Exec(ctx, q); err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	return &Table{Name: name, Columns: cols}, nil
}

// CreateView creates or replaces view name over query and returns its
// columns.
func (d *DB) CreateView(ctx context.Context, name, query string) (*Table, error) {
	if err := d.Exec(ctx, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", Ident(name), query)); err != nil {
		return nil, fmt.Errorf("create view %s: %w", name, err)
	}
	cols, err := d.describe(ctx, "SELECT * FROM "+Ident(name))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", name, err)
	}
	return &Table{Name: name, Columns: cols}, nil
}

// Describe returns the columns a query would produce without running it.
func (d *DB) Describe(ctx context.Context, query string) ([]Column, error) {
	return d.describe(ctx, query)
}

func (d *DB) describe(ctx context.Context, query string) ([]Column, error) {
	rows, err := d.db.QueryContext(ctx, "DESCRIBE SELECT * FROM ("+query+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Column
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, Column{Name: fmt.Sprint(vals[0]), Type: fmt.Sprint(vals[1])})
	}
	return out, rows.Err()
}

// WriteParquet runs query and writes its result to path through a .tmp
// sibling, so a crash never leaves a truncated file under the final name.
// It returns the number of rows written.
func (d *DB) WriteParquet(ctx context.Context, query, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	q := fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET)", query, Literal(tmp))
	if _, err := d.db.ExecContext(ctx, q); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write %s: %w", path, err)
	}

	var n int64
	if err := d.db.QueryRowContext(ctx, "SELECT count(*) FROM read_parquet("+Literal(tmp)+")").Scan(&n); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("count %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename %s: %w", path, err)
	}
	return n, nil
}

// Row is one result row keyed by column name. Values are the driver's Go
// types: int64, float64, string, bool, time.Time, []any for lists,
// map[string]any for structs, and nil for null.
type Row map[string]any

// Collect runs query and materialises every row. It is meant for small
// results such as lookups and tests.
func (d *DB) Collect(ctx context.Context, query string) ([]Row, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(names))
		for i, n := range names {
			r[n] = vals[i]
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadParquet collects every row of a parquet file.
func (d *DB) ReadParquet(ctx context.Context, path string) ([]Row, error) {
	return d.Collect(ctx, "SELECT * FROM read_parquet("+Literal(path)+")")
}

// Ident quotes an identifier.
func Ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Literal quotes a string literal.
func Literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
