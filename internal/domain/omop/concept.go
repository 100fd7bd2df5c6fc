package omop

import (
	"fmt"
	"strings"

	"github.com/omopmeds/omopmeds/internal/platform/tableio"
)

// PrepareConcepts returns the query that casts concept_id to BIGINT and
// adds the canonical code column, vocabulary_id + "/" + concept_code. The
// code is null when either part is null. Other columns pass through in
// source order.
func PrepareConcepts(concept *tableio.Table) (string, error) {
	if err := requireCols("concept", concept, ColConceptID, ColVocabularyID, ColConceptCode); err != nil {
		return "", err
	}
	cols := make([]string, 0, len(concept.Columns)+1)
	for _, c := range concept.Columns {
		switch c.Name {
		case ColCode:
			continue
		case ColConceptID:
			cols = append(cols, IntExpr(tableio.Ident(c.Name), c.Type)+" AS "+tableio.Ident(c.Name))
		default:
			cols = append(cols, tableio.Ident(c.Name))
		}
	}
	vocab, code := tableio.Ident(ColVocabularyID), tableio.Ident(ColConceptCode)
	cols = append(cols, fmt.Sprintf(
		"CASE WHEN %[1]s IS NULL OR %[2]s IS NULL THEN NULL ELSE CAST(%[1]s AS VARCHAR) || '/' || CAST(%[2]s AS VARCHAR) END AS %[3]s",
		vocab, code, tableio.Ident(ColCode)))
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), concept.Ref()), nil
}

// PrepareRelationships returns the query casting both concept ids of
// concept_relationship to BIGINT. Every relationship type is kept.
func PrepareRelationships(relationship *tableio.Table) (string, error) {
	if err := requireCols("concept_relationship", relationship, ColConceptID1, ColConceptID2, ColRelationshipID); err != nil {
		return "", err
	}
	cols := make([]string, 0, len(relationship.Columns))
	for _, c := range relationship.Columns {
		switch c.Name {
		case ColConceptID1, ColConceptID2:
			cols = append(cols, IntExpr(tableio.Ident(c.Name), c.Type)+" AS "+tableio.Ident(c.Name))
		case ColRelationshipID:
			cols = append(cols, "CAST("+tableio.Ident(c.Name)+" AS VARCHAR) AS "+tableio.Ident(c.Name))
		default:
			cols = append(cols, tableio.Ident(c.Name))
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), relationship.Ref()), nil
}

// ExtractMetadata returns the query giving one row per concept, in concept
// order, with its code, name and the sorted, de-duplicated ids of every
// concept it "Maps to". Concepts without a mapping get an empty list.
// Relationships of any other type are ignored.
//
// concept and relationship may each be raw or already prepared.
func ExtractMetadata(concept, relationship *tableio.Table) (string, error) {
	if err := requireCols("concept", concept, ColConceptID); err != nil {
		return "", err
	}
	src := concept.Ref()
	if !concept.Has(ColCode) {
		q, err := PrepareConcepts(concept)
		if err != nil {
			return "", err
		}
		src = "(" + q + ")"
	}
	rel, err := PrepareRelationships(relationship)
	if err != nil {
		return "", err
	}

	name := "CAST(NULL AS VARCHAR)"
	if concept.Has(ColConceptName) {
		name = "c." + tableio.Ident(ColConceptName)
	}
	id1, id2 := tableio.Ident(ColConceptID1), tableio.Ident(ColConceptID2)
	return fmt.Sprintf(`WITH c AS (SELECT *, row_number() OVER () AS _row FROM %s),
parents AS (SELECT %s AS _id, list_sort(list_distinct(list(%s))) AS _parents FROM (%s)
  WHERE %s = %s AND %s IS NOT NULL GROUP BY 1)
SELECT c.%s AS %s, %s AS %s, COALESCE(p._parents, CAST([] AS BIGINT[])) AS %s
FROM c LEFT JOIN parents p ON p._id = %s ORDER BY c._row`,
		src,
		id1, id2, rel,
		tableio.Ident(ColRelationshipID), tableio.Literal(RelationshipMapsTo), id2,
		tableio.Ident(ColCode), tableio.Ident(ColCode),
		name, tableio.Ident(ColName),
		tableio.Ident(ColParentCodes),
		IntExpr("c."+tableio.Ident(ColConceptID), conceptIDType(concept))), nil
}

// conceptIDType is the concept_id type after preparation.
func conceptIDType(concept *tableio.Table) string {
	if !concept.Has(ColCode) {
		return "BIGINT"
	}
	c, _ := concept.Column(ColConceptID)
	return c.Type
}
