// Package omop holds the OMOP-to-MEDS linking rules: patient birth/death
// resolution, concept metadata extraction, and the generic per-table concept
// join driven by declarative join specs.
package omop

import "errors"

// Sentinel errors.
var (
	ErrMissingColumn      = errors.New("required column missing")
	ErrUnsupportedVersion = errors.New("unsupported OMOP version")
	ErrInvalidSpec        = errors.New("invalid join spec")
)

// DefaultSubjectID is the OMOP person key.
const DefaultSubjectID = "person_id"

// Person table columns.
const (
	ColBirthDatetime = "birth_datetime"
	ColYearOfBirth   = "year_of_birth"
	ColMonthOfBirth  = "month_of_birth"
	ColDayOfBirth    = "day_of_birth"
	ColDeathDatetime = "death_datetime"
	ColDeathDate     = "death_date"
)

// Concept and concept_relationship columns.
const (
	ColConceptID      = "concept_id"
	ColConceptName    = "concept_name"
	ColConceptCode    = "concept_code"
	ColVocabularyID   = "vocabulary_id"
	ColConceptID1     = "concept_id_1"
	ColConceptID2     = "concept_id_2"
	ColRelationshipID = "relationship_id"

	RelationshipMapsTo = "Maps to"
)

// Derived columns written by the linker.
const (
	ColCode        = "code"
	ColName        = "name"
	ColParentCodes = "parent_codes"
	ColDateOfBirth = "date_of_birth"
	ColDateOfDeath = "date_of_death"
	ColTableName   = "table_name"
)

// PersonTable is the table_name literal on patient rows.
const PersonTable = "person"
