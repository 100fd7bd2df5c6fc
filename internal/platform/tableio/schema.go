package tableio

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/deprecated"
	"github.com/parquet-go/parquet-go/format"
)

// Kind is the logical type of a top-level parquet column.
type Kind string

const (
	KindString    Kind = "string"
	KindBinary    Kind = "binary"
	KindBool      Kind = "bool"
	KindInt32     Kind = "int32"
	KindInt64     Kind = "int64"
	KindFloat     Kind = "float"
	KindDouble    Kind = "double"
	KindDate      Kind = "date"
	KindTimestamp Kind = "timestamp"
	KindList      Kind = "list"
	KindStruct    Kind = "struct"
	KindOther     Kind = "other"
)

// Field is a top-level column read from a parquet footer.
type Field struct {
	Name     string
	Kind     Kind
	Optional bool
}

// ReadSchema reads the top-level columns of a parquet file from its footer
// without touching any row group.
func ReadSchema(path string) ([]Field, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()
	info, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(fh, info.Size(), parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		return nil, fmt.Errorf("read footer %s: %w", path, err)
	}

	// The flattened schema lists the root, then each field followed by its
	// subtree in depth-first order.
	elems := pf.Metadata().Schema
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoColumns, path)
	}
	var out []Field
	for i := 1; i < len(elems); i = skipSubtree(elems, i) {
		e := &elems[i]
		out = append(out, Field{
			Name:     e.Name,
			Kind:     kindOf(e),
			Optional: e.RepetitionType != nil && *e.RepetitionType == format.Optional,
		})
	}
	return out, nil
}

// SchemaKinds maps column names to kinds.
func SchemaKinds(fields []Field) map[string]Kind {
	m := make(map[string]Kind, len(fields))
	for _, f := range fields {
		m[f.Name] = f.Kind
	}
	return m
}

// skipSubtree returns the index just past element i and all its descendants.
func skipSubtree(elems []format.SchemaElement, i int) int {
	pending := 1
	for pending > 0 && i < len(elems) {
		pending += int(elems[i].NumChildren) - 1
		i++
	}
	return i
}

func kindOf(e *format.SchemaElement) Kind {
	if lt := e.LogicalType; lt != nil {
		switch {
		case lt.UTF8 != nil, lt.Enum != nil, lt.Json != nil:
			return KindString
		case lt.Timestamp != nil:
			return KindTimestamp
		case lt.Date != nil:
			return KindDate
		case lt.List != nil:
			return KindList
		}
	}
	if ct := e.ConvertedType; ct != nil {
		switch *ct {
		case deprecated.UTF8:
			return KindString
		case deprecated.TimestampMillis, deprecated.TimestampMicros:
			return KindTimestamp
		case deprecated.Date:
			return KindDate
		case deprecated.List:
			return KindList
		}
	}
	if e.NumChildren > 0 || e.Type == nil {
		return KindStruct
	}
	switch *e.Type {
	case format.Boolean:
		return KindBool
	case format.Int32:
		return KindInt32
	case format.Int64:
		return KindInt64
	case format.Float:
		return KindFloat
	case format.Double:
		return KindDouble
	case format.ByteArray:
		return KindBinary
	}
	return KindOther
}
