package omop

import (
	"fmt"
	"strings"

	"github.com/omopmeds/omopmeds/internal/platform/tableio"
)

// The builders in this file return DuckDB expressions over a column
// reference. typ is the column's DuckDB type as reported by DESCRIBE.

const endOfDay = "INTERVAL 86399 SECOND"

// IntExpr casts ref to BIGINT. Strings holding floats ("1980.0") are read
// through DOUBLE; anything unparseable is null.
func IntExpr(ref, typ string) string {
	switch typ {
	case "BIGINT":
		return ref
	case "TINYINT", "SMALLINT", "INTEGER", "HUGEINT", "UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT":
		return fmt.Sprintf("TRY_CAST(%s AS BIGINT)", ref)
	}
	return fmt.Sprintf("COALESCE(TRY_CAST(%[1]s AS BIGINT), TRY_CAST(TRY_CAST(%[1]s AS DOUBLE) AS BIGINT))", ref)
}

// TimeExpr reads an OMOP timestamp. Timestamps pass through and dates become
// midnight. Strings are trimmed and parsed as "2006-01-02 15:04:05" with an
// optional T separator and fractional seconds, or as a bare date. Other types and unparseable strings are null.
func TimeExpr(ref, typ string) string {
	return timeExpr(ref, typ, false)
}

// EndTimeExpr is TimeExpr for end columns: a date resolves to 23:59:59 on
// that day.
func EndTimeExpr(ref, typ string) string {
	return timeExpr(ref, typ, true)
}

func timeExpr(ref, typ string, end bool) string {
	switch {
	case typ == "DATE":
		if end {
			return fmt.Sprintf("CAST(%s AS TIMESTAMP) + %s", ref, endOfDay)
		}
		return fmt.Sprintf("CAST(%s AS TIMESTAMP)", ref)
	case typ == "TIMESTAMP WITH TIME ZONE":
		return fmt.Sprintf("timezone('UTC', %s)", ref)
	case strings.HasPrefix(typ, "TIMESTAMP"):
		return fmt.Sprintf("CAST(%s AS TIMESTAMP)", ref)
	case typ == "VARCHAR":
		s := fmt.Sprintf("NULLIF(trim(%s), '')", ref)
		t := fmt.Sprintf("TRY_CAST(%s AS TIMESTAMP)", s)
		if !end {
			return t
		}
		return fmt.Sprintf("CASE WHEN regexp_full_match(%s, '[0-9]{4}-[0-9]{2}-[0-9]{2}') THEN %s + %s ELSE %s END",
			s, t, endOfDay, t)
	}
	return "CAST(NULL AS TIMESTAMP)"
}

// SynthesizeBirth builds a birth timestamp from BIGINT year, month and day
// expressions. Unknown parts are repaired rather than treated as epoch: a
// null, non-positive, 1800 or five-digit year becomes 1900, a null or
// out-of-range month becomes 1, and a null or impossible day becomes 1.
func SynthesizeBirth(year, month, day string) string {
	y := fmt.Sprintf("CASE WHEN %[1]s IS NULL OR %[1]s <= 0 OR %[1]s = 1800 OR %[1]s > 9999 THEN 1900 ELSE %[1]s END", year)
	m := fmt.Sprintf("CASE WHEN %[1]s BETWEEN 1 AND 12 THEN %[1]s ELSE 1 END", month)
	d := fmt.Sprintf("CASE WHEN %[1]s BETWEEN 1 AND day(last_day(make_date(%[2]s, %[3]s, 1))) THEN %[1]s ELSE 1 END", day, y, m)
	return fmt.Sprintf("CAST(make_date(%s, %s, %s) AS TIMESTAMP)", y, m, d)
}

// colExpr renders column name of t under alias through fn, or null of the
// given type when t lacks it.
func colExpr(t *tableio.Table, alias, name, nullType string, fn func(ref, typ string) string) string {
	c, ok := t.Column(name)
	if !ok {
		return fmt.Sprintf("CAST(NULL AS %s)", nullType)
	}
	ref := tableio.Ident(name)
	if alias != "" {
		ref = alias + "." + ref
	}
	return fn(ref, c.Type)
}

func requireCols(table string, t *tableio.Table, cols ...string) error {
	for _, c := range cols {
		if !t.Has(c) {
			return fmt.Errorf("%s: %w: %s", table, ErrMissingColumn, c)
		}
	}
	return nil
}
