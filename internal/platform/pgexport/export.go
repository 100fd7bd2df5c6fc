// Package pgexport dumps OMOP tables from a Postgres CDM database into the
// raw input directory as CSV, the layout the pre-MEDS stage reads.
package pgexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrUndefinedTable is returned when a required table does not exist.
var ErrUndefinedTable = errors.New("table does not exist")

// Copier streams one table as CSV with a header row.
type Copier interface {
	CopyTable(ctx context.Context, w io.Writer, schema, table string) (int64, error)
}

// CopySQL is the COPY statement for schema.table.
func CopySQL(schema, table string) string {
	ident := pgx.Identifier{table}
	if schema != "" {
		ident = pgx.Identifier{schema, table}
	}
	return fmt.Sprintf("COPY (SELECT * FROM %s) TO STDOUT WITH (FORMAT csv, HEADER true)", ident.Sanitize())
}

// PoolCopier runs COPY on connections from a pool.
type PoolCopier struct {
	Pool *pgxpool.Pool
}

func (p PoolCopier) CopyTable(ctx context.Context, w io.Writer, schema, table string) (int64, error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Conn().PgConn().CopyTo(ctx, w, CopySQL(schema, table))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return 0, fmt.Errorf("%s.%s: %w", schema, table, ErrUndefinedTable)
		}
		return 0, fmt.Errorf("copy %s.%s: %w", schema, table, err)
	}
	return tag.RowsAffected(), nil
}

// Request describes one export.
type Request struct {
	Schema    string
	OutputDir string
	// Required tables fail the export when missing; optional ones are skipped.
	Required []string
	Optional []string
	Workers  int
}

// Export writes every requested table to OutputDir/<table>.csv. Each file is
// written through a .part file so an interrupted export never leaves a
// truncated table behind.
func Export(ctx context.Context, c Copier, req Request, logger zerolog.Logger) error {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", req.OutputDir, err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(req.Workers, 1))

	run := func(table string, required bool) {
		g.Go(func() error {
			start := time.Now()
			n, err := exportTable(ctx, c, req.Schema, table, req.OutputDir)
			if errors.Is(err, ErrUndefinedTable) && !required {
				logger.Warn().Str("table", table).Msg("optional table not in database, skipping")
				return nil
			}
			if err != nil {
				return err
			}
			logger.Info().Str("table", table).Int64("rows", n).Dur("took", time.Since(start)).Msg("exported")
			return nil
		})
	}
	for _, t := range req.Required {
		run(t, true)
	}
	for _, t := range req.Optional {
		run(t, false)
	}
	return g.Wait()
}

func exportTable(ctx context.Context, c Copier, schema, table, dir string) (int64, error) {
	dst := filepath.Join(dir, table+".csv")
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	n, err := c.CopyTable(ctx, f, schema, table)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return n, nil
}
