package omop

import (
	"fmt"
	"strings"

	"github.com/omopmeds/omopmeds/internal/platform/tableio"
)

// LinkOptions controls patient linkage.
type LinkOptions struct {
	// SubjectID is the person key column; DefaultSubjectID when empty.
	SubjectID string
	// Limit keeps only the first N visit-linked subjects, in order of first
	// appearance in person; 0 keeps all.
	Limit int
}

func (o LinkOptions) subjectID() string {
	if o.SubjectID == "" {
		return DefaultSubjectID
	}
	return o.SubjectID
}

// GetPatientLink returns the query building the patient table: one row per
// person that has at least one visit, with a BIGINT subject id, a
// date_of_birth timestamp, a nullable date_of_death timestamp and the
// table_name literal "person". Rows come out in birth order.
//
// A parseable birth_datetime wins over the year/month/day parts. Persons
// with several rows keep the row with the earliest birth date; exact ties
// keep the row that came first in the source. A subject with several death
// rows gets the earliest parseable death_datetime, falling back to
// death_date. death may be nil.
func GetPatientLink(person, death, visit *tableio.Table, opts LinkOptions) (string, error) {
	sid := opts.subjectID()
	if err := requireCols("person", person, sid); err != nil {
		return "", err
	}
	if visit == nil {
		return "", fmt.Errorf("visit_occurrence: %w: %s", ErrMissingColumn, sid)
	}
	if err := requireCols("visit_occurrence", visit, sid); err != nil {
		return "", err
	}
	if death != nil {
		if err := requireCols("death", death, sid); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "WITH person_rows AS (SELECT *, row_number() OVER () AS _row FROM %s),\n", person.Ref())
	fmt.Fprintf(&b, "visits AS (SELECT DISTINCT %s AS _sid FROM %s),\n", colExpr(visit, "", sid, "BIGINT", IntExpr), visit.Ref())
	fmt.Fprintf(&b, "candidates AS (SELECT %s AS _sid, _row, %s AS _birth, %s AS _y, %s AS _m, %s AS _d FROM person_rows),\n",
		colExpr(person, "", sid, "BIGINT", IntExpr),
		colExpr(person, "", ColBirthDatetime, "TIMESTAMP", TimeExpr),
		colExpr(person, "", ColYearOfBirth, "BIGINT", IntExpr),
		colExpr(person, "", ColMonthOfBirth, "BIGINT", IntExpr),
		colExpr(person, "", ColDayOfBirth, "BIGINT", IntExpr))
	b.WriteString("linked AS (SELECT * FROM candidates WHERE _sid IN (SELECT _sid FROM visits)),\n")
	if opts.Limit > 0 {
		fmt.Fprintf(&b, "limited AS (SELECT * FROM linked WHERE _sid IN "+
			"(SELECT _sid FROM linked GROUP BY _sid ORDER BY min(_row) LIMIT %d)),\n", opts.Limit)
	} else {
		b.WriteString("limited AS (SELECT * FROM linked),\n")
	}
	fmt.Fprintf(&b, "born AS (SELECT _sid, _row, COALESCE(_birth, %s) AS _dob FROM limited),\n", SynthesizeBirth("_y", "_m", "_d"))
	b.WriteString("patients AS (SELECT * FROM born QUALIFY row_number() OVER (PARTITION BY _sid ORDER BY _dob, _row) = 1)")

	dod := "CAST(NULL AS TIMESTAMP)"
	join := ""
	if death != nil {
		fmt.Fprintf(&b, ",\ndeaths AS (SELECT %s AS _sid, min(COALESCE(%s, %s)) AS _dod FROM %s GROUP BY 1)",
			colExpr(death, "", sid, "BIGINT", IntExpr),
			colExpr(death, "", ColDeathDatetime, "TIMESTAMP", TimeExpr),
			colExpr(death, "", ColDeathDate, "TIMESTAMP", TimeExpr),
			death.Ref())
		dod = "d._dod"
		join = " LEFT JOIN deaths d ON d._sid = p._sid"
	}

	fmt.Fprintf(&b, "\nSELECT p._sid AS %s, p._dob AS %s, %s AS %s, %s AS %s FROM patients p%s ORDER BY p._dob, p._row",
		tableio.Ident(sid), tableio.Ident(ColDateOfBirth),
		dod, tableio.Ident(ColDateOfDeath),
		tableio.Literal(PersonTable), tableio.Ident(ColTableName),
		join)
	return b.String(), nil
}
