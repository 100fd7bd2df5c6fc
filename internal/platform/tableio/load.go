// Package tableio exposes raw OMOP extracts and pre-MEDS outputs as DuckDB
// views and writes query results as parquet files.
package tableio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyTable        = errors.New("table directory has no readable shards")
	ErrNoColumns         = errors.New("table has no columns")
)

// Format is a raw file encoding recognised by ScanExpr.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatCSVGzip Format = "csv.gz"
	FormatParquet Format = "parquet"
)

// DetectFormat classifies path by its extension.
func DetectFormat(path string) (Format, error) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".csv.gz"):
		return FormatCSVGzip, nil
	case strings.HasSuffix(name, ".csv"):
		return FormatCSV, nil
	case strings.HasSuffix(name, ".parquet"):
		return FormatParquet, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// TableName strips the recognised extension from a file name, so
// "measurement.csv.gz" and "measurement/" both name "measurement".
func TableName(path string) string {
	name := filepath.Base(strings.TrimRight(path, string(os.PathSeparator)))
	lower := strings.ToLower(name)
	for _, ext := range []string{".csv.gz", ".csv", ".parquet"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// Shards lists the files making up the table at path: path itself, or the
// readable files of a directory in lexical order.
func Shards(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		if _, err := DetectFormat(path); err != nil {
			return nil, err
		}
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read table dir %s: %w", path, err)
	}
	var shards []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := DetectFormat(e.Name()); err == nil {
			shards = append(shards, filepath.Join(path, e.Name()))
		}
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTable, path)
	}
	sort.Strings(shards)
	return shards, nil
}

// ScanExpr returns a FROM-clause expression reading the table at path.
// CSV cells are read as VARCHAR with empty cells null, so codes keep their
// leading zeros and no type is guessed. Shards are stacked by column name;
// a column missing from a shard is null there.
func ScanExpr(path string) (string, error) {
	shards, err := Shards(path)
	if err != nil {
		return "", err
	}
	var csvs, pqs []string
	for _, s := range shards {
		f, _ := DetectFormat(s)
		if f == FormatParquet {
			pqs = append(pqs, Literal(s))
		} else {
			csvs = append(csvs, Literal(s))
		}
	}

	var parts []string
	if len(csvs) > 0 {
		parts = append(parts, fmt.Sprintf(
			"read_csv([%s], header = true, all_varchar = true, null_padding = true, union_by_name = true)",
			strings.Join(csvs, ", ")))
	}
	if len(pqs) > 0 {
		parts = append(parts, fmt.Sprintf("read_parquet([%s], union_by_name = true)", strings.Join(pqs, ", ")))
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return fmt.Sprintf("(SELECT * FROM %s UNION ALL BY NAME SELECT * FROM %s)", parts[0], parts[1]), nil
}

// normalizeHeader lower-cases and trims names, strips a UTF-8 BOM, and
// suffixes repeats so every column is unique.
func normalizeHeader(header []string) []string {
	cols := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		c := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if n := seen[c]; n > 0 {
			seen[c] = n + 1
			c = fmt.Sprintf("%s_%d", c, n)
		} else {
			seen[c] = 1
		}
		cols[i] = c
	}
	return cols
}
