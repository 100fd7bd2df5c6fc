package integration

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/omopmeds/omopmeds/internal/config"
	"github.com/omopmeds/omopmeds/internal/platform/mirror"
)

// demoTree is a miniature of the published demo: tables nested in a numbered
// group folder with numbered file names, plus a sharded table.
var demoTree = map[string]string{
	"LICENSE.txt": "demo data\n",
	"1_omop_data_csv/2b_concept.csv": `concept_id,concept_name,vocabulary_id,concept_code
9201,Inpatient Visit,Visit,IP
100,Local glucose,LOCAL,GLU
200,Glucose,LOINC,2345-7
300,Hypertension,SNOMED,38341003
`,
	"1_omop_data_csv/2b_concept_relationship.csv": `concept_id_1,concept_id_2,relationship_id
100,200,Maps to
`,
	"1_omop_data_csv/person.csv": `person_id,year_of_birth,month_of_birth,day_of_birth,birth_datetime
1,1970,1,2,
2,1985,,,
`,
	"1_omop_data_csv/death.csv": `person_id,death_date,death_datetime
2,2021-03-04,
`,
	"1_omop_data_csv/visit_occurrence.csv": `visit_occurrence_id,person_id,visit_concept_id,visit_start_datetime,visit_end_datetime
10,1,9201,2020-01-01 08:00:00,2020-01-02 12:00:00
11,2,9201,2021-03-01 08:00:00,2021-03-04 00:00:00
`,
	"1_omop_data_csv/condition_occurrence.csv": `condition_occurrence_id,person_id,condition_concept_id,condition_start_datetime
20,1,300,2020-01-01 09:00:00
21,9,300,2020-01-01 09:00:00
`,
	"1_omop_data_csv/measurement/000.csv": `measurement_id,person_id,measurement_concept_id,measurement_datetime,value_as_number
30,1,100,2020-01-01 10:00:00,5.5
`,
	"1_omop_data_csv/measurement/001.csv": `measurement_id,person_id,measurement_concept_id,measurement_datetime,value_as_number
31,2,100,2021-03-02 10:00:00,6.5
`,
}

const preMEDSDoc = `subject_id: person_id
tables:
  visit_occurrence:
    reference_cols: visit_concept_id
    output_data_cols: [visit_occurrence_id, visit_start_datetime, visit_end_datetime]
    datetime_cols: visit_start_datetime
    end_datetime_cols: visit_end_datetime
  condition_occurrence:
    reference_cols: condition_concept_id
    output_data_cols: [condition_occurrence_id, condition_start_datetime]
    datetime_cols: condition_start_datetime
  measurement:
    reference_cols: measurement_concept_id
    output_data_cols: [measurement_id, measurement_datetime, value_as_number]
    datetime_cols: measurement_datetime
  drug_exposure:
    reference_cols: drug_concept_id
`

const omopDoc = `"5.3":
  tables: [condition_occurrence, drug_exposure, measurement, visit_occurrence]
`

const eventsDoc = `subject_id_col: person_id
person_birth_death:
  birth:
    code: MEDS_BIRTH
    time: col(date_of_birth)
visit_occurrence:
  visit:
    code: col(visit_concept_code)
    time: col(visit_start_datetime)
condition_occurrence:
  condition:
    code: col(condition_concept_code)
    time: col(condition_start_datetime)
drug_exposure:
  drug:
    code: col(drug_concept_code)
    time: col(drug_exposure_start_datetime)
measurement:
  measurement:
    code: col(measurement_concept_code)
    time: col(measurement_datetime)
`

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		fp := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(fp, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func listTree(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(out)
	return out
}

// startMirror serves the demo tree over HTTP behind basic auth.
func startMirror(t *testing.T) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, demoTree)
	srv := httptest.NewServer(mirror.New(root, mirror.Options{Username: "demo", Password: "secret"}, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

// fakeRunner writes a shell script standing in for the MEDS runner. It
// records its arguments and the pre-MEDS directory it was handed.
func fakeRunner(t *testing.T) (bin, record string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script runner")
	}
	dir := t.TempDir()
	record = filepath.Join(dir, "record.txt")
	bin = filepath.Join(dir, "runner.sh")
	script := "#!/bin/sh\n" +
		"echo \"PRE_MEDS_DIR=$PRE_MEDS_DIR\" > " + record + "\n" +
		"echo \"N_WORKERS=$N_WORKERS\" >> " + record + "\n" +
		"for a in \"$@\"; do echo \"$a\" >> " + record + "; done\n" +
		"mkdir -p \"$MEDS_COHORT_DIR/data\"\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, record
}

// runConfig writes the pipeline documents next to a fresh workspace and
// returns a config pointing at them.
func runConfig(t *testing.T, mirrorURL string) *config.Config {
	t.Helper()
	work := t.TempDir()
	dataset := "dataset_name: integration-demo\n" +
		"raw_dataset_version: \"0.1\"\n" +
		"omop_version: \"5.3\"\n" +
		"urls:\n" +
		"  demo:\n" +
		"    - url: " + mirrorURL + "/\n" +
		"      username: demo\n" +
		"      password: secret\n"
	writeTree(t, work, map[string]string{
		"docs/dataset.yaml":       dataset,
		"docs/pre_MEDS.yaml":      preMEDSDoc,
		"docs/omop.yaml":          omopDoc,
		"docs/event_configs.yaml": eventsDoc,
	})

	v := filepath.Join(work, "docs")
	cfg := &config.Config{
		Env:           "test",
		RawInputDir:   filepath.Join(work, "raw"),
		RootOutputDir: filepath.Join(work, "out"),
		PreMEDSDir:    filepath.Join(work, "out", "pre_MEDS"),
		MEDSCohortDir: filepath.Join(work, "out", "MEDS_cohort"),
		DoDownload:    true,
		DoDemo:        true,
		Workers:       2,
		DBSchema:      "public",
		DatasetConfig: filepath.Join(v, "dataset.yaml"),
		PreMEDSConfig: filepath.Join(v, "pre_MEDS.yaml"),
		OMOPConfig:    filepath.Join(v, "omop.yaml"),
		EventConfig:   filepath.Join(v, "event_configs.yaml"),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}
