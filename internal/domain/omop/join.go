package omop

import (
	"fmt"
	"strings"

	"github.com/omopmeds/omopmeds/internal/platform/tableio"
)

// JoinConcept returns the query linking one raw OMOP table to the patient
// table and resolving its concept references.
//
// Rows whose subject is not in patients are dropped; the subject id and
// every reference column come out as BIGINT. For every reference column the
// declared concept columns are attached under AttachedName; a reference
// without a matching concept gets nulls, and a reference column the table
// lacks yields all-null attached columns. Declared datetime columns are
// parsed to timestamps (null when unparseable). The result holds the subject
// id, the output columns that exist, the attached columns and the table_name
// literal, in source row order. With no output columns declared, every
// source column is kept as is, nested types included.
//
// concepts must be prepared (see PrepareConcepts); patients is the table
// GetPatientLink produced.
func JoinConcept(table string, src, patients, concepts *tableio.Table, spec JoinSpec, sid string) (string, error) {
	if sid == "" {
		sid = DefaultSubjectID
	}
	if err := requireCols(table, src, sid); err != nil {
		return "", err
	}
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%s: %w", table, err)
	}
	if err := requireCols(table+": patients", patients, sid); err != nil {
		return "", err
	}
	cols := spec.conceptCols()
	if len(spec.ReferenceCols) > 0 {
		if concepts == nil {
			return "", fmt.Errorf("%s: concept: %w: %s", table, ErrMissingColumn, ColConceptID)
		}
		if err := requireCols(table+": concept", concepts, append([]string{ColConceptID}, cols...)...); err != nil {
			return "", err
		}
	}

	// Subject and reference columns are cast once, up front.
	casts := map[string]bool{sid: true}
	for _, ref := range spec.ReferenceCols {
		if src.Has(ref) {
			casts[ref] = true
		}
	}
	var replace []string
	for _, c := range src.Columns {
		if casts[c.Name] {
			replace = append(replace, IntExpr(tableio.Ident(c.Name), c.Type)+" AS "+tableio.Ident(c.Name))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "WITH src AS (SELECT * REPLACE (%s), row_number() OVER () AS _row FROM %s)",
		strings.Join(replace, ", "), src.Ref())
	if len(spec.ReferenceCols) > 0 {
		sel := make([]string, len(cols))
		for i, c := range cols {
			sel[i] = tableio.Ident(c)
		}
		cid, _ := concepts.Column(ColConceptID)
		fmt.Fprintf(&b, ",\nconcepts AS (SELECT * FROM (SELECT %s AS _cid, %s, row_number() OVER () AS _crow FROM %s) "+
			"QUALIFY row_number() OVER (PARTITION BY _cid ORDER BY _crow) = 1)",
			IntExpr(tableio.Ident(ColConceptID), cid.Type), strings.Join(sel, ", "), concepts.Ref())
	}

	// Attached columns, then the joins that feed them.
	var attached, attachedNames []string
	var joins []string
	for i, ref := range spec.ReferenceCols {
		alias := fmt.Sprintf("c%d", i)
		on := "FALSE"
		if src.Has(ref) {
			on = fmt.Sprintf("%s._cid = s.%s", alias, tableio.Ident(ref))
		}
		joins = append(joins, fmt.Sprintf("LEFT JOIN concepts %s ON %s", alias, on))
		for _, c := range cols {
			name := AttachedName(ref, c)
			attached = append(attached, fmt.Sprintf("%s.%s AS %s", alias, tableio.Ident(c), tableio.Ident(name)))
			attachedNames = append(attachedNames, name)
		}
	}
	skip := map[string]bool{ColTableName: true}
	for _, n := range attachedNames {
		skip[n] = true
	}

	times := make(map[string]func(ref, typ string) string)
	for _, c := range spec.DatetimeCols {
		times[c] = TimeExpr
	}
	for _, c := range spec.EndDatetimeCols {
		times[c] = EndTimeExpr
	}
	project := func(name string) string {
		ref := "s." + tableio.Ident(name)
		c, _ := src.Column(name)
		if fn, ok := times[name]; ok {
			return fn(ref, c.Type) + " AS " + tableio.Ident(name)
		}
		return ref
	}

	var out []string
	if len(spec.OutputDataCols) > 0 {
		out = append(out, "s."+tableio.Ident(sid))
		seen := map[string]bool{sid: true}
		for _, c := range spec.OutputDataCols {
			if seen[c] || skip[c] || !src.Has(c) {
				continue
			}
			seen[c] = true
			out = append(out, project(c))
		}
	} else {
		for _, c := range src.Columns {
			if skip[c.Name] {
				continue
			}
			out = append(out, project(c.Name))
		}
	}
	out = append(out, attached...)
	out = append(out, tableio.Literal(table)+" AS "+tableio.Ident(ColTableName))

	fmt.Fprintf(&b, "\nSELECT %s FROM src s", strings.Join(out, ", "))
	for _, j := range joins {
		b.WriteString(" " + j)
	}
	fmt.Fprintf(&b, " WHERE s.%s IN (SELECT %s FROM %s) ORDER BY s._row",
		tableio.Ident(sid), tableio.Ident(sid), patients.Ref())
	return b.String(), nil
}
