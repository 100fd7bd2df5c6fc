package premeds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omopmeds/omopmeds/internal/domain/omop"
	"github.com/omopmeds/omopmeds/internal/platform/tableio"
)

var rawFiles = map[string]string{
	"person.csv": `PERSON_ID,year_of_birth,month_of_birth,day_of_birth,birth_datetime
1,1970,1,2,
2,1800,,,
3,1990,6,6,1990-06-06 10:00:00
`,
	"death.csv": `person_id,death_date,death_datetime
2,2010-05-05,
`,
	"visit_occurrence.csv": `visit_occurrence_id,person_id,visit_concept_id,visit_start_datetime,visit_end_datetime
10,1,9201,2020-01-01 08:00:00,2020-01-02
11,2,9202,2020-02-01 08:00:00,2020-02-01 10:00:00
`,
	"concept.csv": `concept_id,concept_name,vocabulary_id,concept_code
9201,Inpatient Visit,Visit,IP
9202,Outpatient Visit,Visit,OP
100,Local glucose,LOCAL,GLU
200,Glucose,LOINC,2345-7
`,
	"concept_relationship.csv": `concept_id_1,concept_id_2,relationship_id
100,200,Maps to
100,9201,Other
`,
	"measurement/000.csv": `measurement_id,person_id,measurement_concept_id,measurement_datetime,value_as_number
1000,1,100,2020-01-01 09:00:00,5.5
1001,3,100,2020-01-01 09:00:00,6.0
`,
	"measurement/001.csv": `measurement_id,person_id,measurement_concept_id,measurement_datetime,value_as_number
1002,2,200,2020-02-01 09:00:00,7.25
`,
}

const tableDoc = `
subject_id: person_id
tables:
  visit_occurrence:
    "5.3":
      reference_cols: visit_concept_id
      output_data_cols: [visit_occurrence_id, visit_start_datetime, visit_end_datetime]
      datetime_cols: visit_start_datetime
      end_datetime_cols: visit_end_datetime
  measurement:
    reference_cols: measurement_concept_id
    output_data_cols: [measurement_id, measurement_datetime, value_as_number]
    datetime_cols: measurement_datetime
    warning_items: ["value_as_concept_id is ignored"]
  drug_exposure:
    reference_cols: drug_concept_id
`

func writeRaw(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		fp := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(fp), 0o755))
		require.NoError(t, os.WriteFile(fp, []byte(body), 0o644))
	}
	return dir
}

func options(t *testing.T, raw string) Options {
	t.Helper()
	cfg, err := omop.ParsePreMEDSConfig([]byte(tableDoc))
	require.NoError(t, err)
	return Options{
		RawInputDir: raw,
		OutputDir:   filepath.Join(t.TempDir(), "pre_MEDS"),
		Workers:     2,
		OMOPVersion: "5.3",
		RunID:       "run-1",
		Config:      cfg,
		Tables:      []string{"visit_occurrence", "measurement", "drug_exposure", "observation"},
	}
}

func readOut(t *testing.T, opts Options, name string) []tableio.Row {
	t.Helper()
	db, err := tableio.Open(context.Background(), tableio.Options{Threads: 1})
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.ReadParquet(context.Background(), filepath.Join(opts.OutputDir, name))
	require.NoError(t, err)
	return rows
}

func schemaOf(t *testing.T, opts Options, name string) ([]string, map[string]tableio.Kind) {
	t.Helper()
	fields, err := tableio.ReadSchema(filepath.Join(opts.OutputDir, name))
	require.NoError(t, err)
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names, tableio.SchemaKinds(fields)
}

// byKey indexes rows by the value of col.
func byKey(rows []tableio.Row, col string) map[any]tableio.Row {
	out := make(map[any]tableio.Row, len(rows))
	for _, r := range rows {
		out[r[col]] = r
	}
	return out
}

func TestRun(t *testing.T) {
	opts := options(t, writeRaw(t, rawFiles))
	res, err := Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, res.Skipped)

	states := map[string]State{}
	for _, r := range res.Tables {
		states[r.Table] = r.State
	}
	assert.Equal(t, map[string]State{
		"visit_occurrence": StateDone,
		"measurement":      StateDone,
		"drug_exposure":    StateSkipped,
		"observation":      StateSkipped,
	}, states)

	for _, name := range []string{PatientFile, ConceptFile, ConceptRelationshipFile, CodesFile, DoneFile, "measurement.parquet", "visit_occurrence.parquet"} {
		_, err := os.Stat(filepath.Join(opts.OutputDir, name))
		assert.NoError(t, err, name)
	}
	marker, err := os.ReadFile(filepath.Join(opts.OutputDir, DoneFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(marker), "run_id: run-1\n"))

	patients := readOut(t, opts, PatientFile)
	assert.Len(t, patients, 2, "person 3 has no visit")

	cols, kinds := schemaOf(t, opts, "measurement.parquet")
	assert.Equal(t, []string{"person_id", "measurement_id", "measurement_datetime", "value_as_number", "measurement_concept_code", "table_name"}, cols)
	assert.Equal(t, tableio.KindInt64, kinds["person_id"])
	assert.Equal(t, tableio.KindTimestamp, kinds["measurement_datetime"])

	meas := byKey(readOut(t, opts, "measurement.parquet"), "measurement_id")
	require.Len(t, meas, 2, "orphan subject rows are dropped")
	for _, r := range meas {
		assert.Contains(t, []int64{1, 2}, r["person_id"])
		assert.Equal(t, "measurement", r["table_name"])
	}
	assert.Equal(t, "LOCAL/GLU", meas["1000"]["measurement_concept_code"])
	assert.Equal(t, "LOINC/2345-7", meas["1002"]["measurement_concept_code"])

	visits := byKey(readOut(t, opts, "visit_occurrence.parquet"), "visit_occurrence_id")
	require.Len(t, visits, 2)
	assert.Equal(t, "Visit/IP", visits["10"]["visit_concept_code"])

	codes := byKey(readOut(t, opts, CodesFile), "code")
	require.Len(t, codes, 4)
	assert.Equal(t, []any{int64(200)}, codes["LOCAL/GLU"]["parent_codes"])
	assert.Empty(t, codes["Visit/IP"]["parent_codes"])
}

func TestRun_Idempotent(t *testing.T) {
	opts := options(t, writeRaw(t, rawFiles))
	_, err := Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)

	before := snapshot(t, opts.OutputDir)
	res, err := Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, before, snapshot(t, opts.OutputDir))
}

func TestRun_SkipsExistingOutputs(t *testing.T) {
	opts := options(t, writeRaw(t, rawFiles))
	_, err := Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(opts.OutputDir, DoneFile)))

	before := snapshot(t, opts.OutputDir)
	res, err := Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	for _, r := range res.Tables {
		if r.Table == "measurement" {
			assert.Equal(t, StateSkipped, r.State)
			assert.Equal(t, "output exists", r.Reason)
		}
	}
	after := snapshot(t, opts.OutputDir)
	delete(before, DoneFile)
	delete(after, DoneFile)
	assert.Equal(t, before, after)
}

func TestRun_Overwrite(t *testing.T) {
	opts := options(t, writeRaw(t, rawFiles))
	_, err := Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)

	stale := filepath.Join(opts.OutputDir, "stale.parquet")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	opts.Overwrite = true
	opts.Limit = 1
	res, err := Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "overwrite clears the output directory")
	assert.Len(t, readOut(t, opts, PatientFile), 1)
}

func TestRun_MissingRequiredTable(t *testing.T) {
	files := make(map[string]string)
	for k, v := range rawFiles {
		if k != "concept.csv" {
			files[k] = v
		}
	}
	opts := options(t, writeRaw(t, files))
	_, err := Run(context.Background(), opts, zerolog.Nop())
	assert.True(t, errors.Is(err, ErrTableNotFound), "got %v", err)
	_, statErr := os.Stat(filepath.Join(opts.OutputDir, PatientFile))
	assert.True(t, os.IsNotExist(statErr), "nothing is processed before the check")
}

func TestRun_UnsupportedVersion(t *testing.T) {
	opts := options(t, writeRaw(t, rawFiles))
	opts.OMOPVersion = "5.4"
	_, err := Run(context.Background(), opts, zerolog.Nop())
	assert.True(t, errors.Is(err, omop.ErrUnsupportedVersion), "got %v", err)
}

func TestRun_NoDeathTable(t *testing.T) {
	files := make(map[string]string)
	for k, v := range rawFiles {
		if k != "death.csv" {
			files[k] = v
		}
	}
	opts := options(t, writeRaw(t, files))
	_, err := Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)

	patients := readOut(t, opts, PatientFile)
	require.NotEmpty(t, patients)
	for _, r := range patients {
		assert.Nil(t, r["date_of_death"])
	}
	_, kinds := schemaOf(t, opts, PatientFile)
	assert.Equal(t, tableio.KindTimestamp, kinds["date_of_death"], "an all-null death column keeps its type")
	assert.Equal(t, tableio.KindInt64, kinds["person_id"])
}

func TestRun_RebuildsStaleCache(t *testing.T) {
	opts := options(t, writeRaw(t, rawFiles))
	db, err := tableio.Open(context.Background(), tableio.Options{Threads: 1})
	require.NoError(t, err)
	_, err = db.WriteParquet(context.Background(),
		"SELECT '1' AS person_id, '1970-01-01' AS date_of_birth, '' AS date_of_death",
		filepath.Join(opts.OutputDir, PatientFile))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)

	_, kinds := schemaOf(t, opts, PatientFile)
	assert.Equal(t, tableio.KindInt64, kinds["person_id"])
	assert.Equal(t, tableio.KindTimestamp, kinds["date_of_birth"])
	assert.Len(t, readOut(t, opts, PatientFile), 2)
}

func TestRun_ReusesValidCache(t *testing.T) {
	opts := options(t, writeRaw(t, rawFiles))
	_, err := Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	for _, name := range []string{DoneFile, "measurement.parquet", "visit_occurrence.parquet"} {
		require.NoError(t, os.Remove(filepath.Join(opts.OutputDir, name)))
	}
	// The raw person table is gone; the cached patient table must serve.
	require.NoError(t, os.Remove(filepath.Join(opts.RawInputDir, "person.csv")))

	_, err = Run(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	meas := readOut(t, opts, "measurement.parquet")
	assert.Len(t, meas, 2)
}

func TestDiscover(t *testing.T) {
	dir := writeRaw(t, map[string]string{
		"a.csv.gz":         "",
		"a.parquet":        "",
		"b.parquet":        "",
		"c/000.csv":        "",
		"d.txt":            "",
		"person_extra.csv": "",
	})
	patterns := []string{"*.csv", "*.csv.gz", "*.parquet"}

	cases := map[string]string{
		"a": "a.csv.gz",
		"b": "b.parquet",
		"c": "c",
		"d": "",
	}
	for table, want := range cases {
		got, ok := Discover(dir, table, patterns)
		if want == "" {
			assert.False(t, ok, table)
			continue
		}
		require.True(t, ok, table)
		assert.Equal(t, filepath.Join(dir, want), got)
	}
	_, ok := Discover(dir, "person", patterns)
	assert.False(t, ok)
}

func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}
