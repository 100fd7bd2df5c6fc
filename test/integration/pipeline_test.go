package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/omopmeds/omopmeds/internal/etl"
	"github.com/omopmeds/omopmeds/internal/platform/tableio"
	"github.com/omopmeds/omopmeds/internal/premeds"
)

func TestPipeline_DemoEndToEnd(t *testing.T) {
	srv := startMirror(t)
	cfg := runConfig(t, srv.URL)
	bin, record := fakeRunner(t)

	docs, err := etl.LoadDocuments(cfg)
	require.NoError(t, err)
	p := etl.New(cfg, docs, etl.NewRunner(bin, zerolog.Nop()), "test", zerolog.Nop())
	require.NoError(t, p.Run(context.Background()))

	// Download plus renaming flattens the group folder and strips prefixes.
	assert.Equal(t, []string{
		"concept.csv",
		"concept_relationship.csv",
		"condition_occurrence.csv",
		"death.csv",
		"license.txt",
		"measurement/000.csv",
		"measurement/001.csv",
		"person.csv",
		"visit_occurrence.csv",
	}, listTree(t, cfg.RawInputDir))

	out := listTree(t, cfg.PreMEDSDir)
	for _, want := range []string{
		premeds.DoneFile,
		premeds.PatientFile,
		premeds.CodesFile,
		"condition_occurrence.parquet",
		"measurement.parquet",
		"visit_occurrence.parquet",
		etl.EventConfigName,
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "drug_exposure.parquet")

	// Subjects without a person row are dropped by the join.
	db, err := tableio.Open(context.Background(), tableio.Options{Threads: 1})
	require.NoError(t, err)
	defer db.Close()
	cond, err := db.ReadParquet(context.Background(), filepath.Join(cfg.PreMEDSDir, "condition_occurrence.parquet"))
	require.NoError(t, err)
	require.Len(t, cond, 1)
	assert.Equal(t, int64(1), cond[0]["person_id"])
	assert.Equal(t, "SNOMED/38341003", cond[0]["condition_concept_code"])
	assert.Equal(t, "condition_occurrence", cond[0]["table_name"])

	meas, err := db.ReadParquet(context.Background(), filepath.Join(cfg.PreMEDSDir, "measurement.parquet"))
	require.NoError(t, err)
	assert.Len(t, meas, 2)

	// Subject 1 has no death row; the column still carries a timestamp type.
	fields, err := tableio.ReadSchema(filepath.Join(cfg.PreMEDSDir, premeds.PatientFile))
	require.NoError(t, err)
	assert.Equal(t, tableio.KindTimestamp, tableio.SchemaKinds(fields)["date_of_death"])

	// The event config handed to the runner only names produced tables.
	data, err := os.ReadFile(filepath.Join(cfg.PreMEDSDir, etl.EventConfigName))
	require.NoError(t, err)
	var events map[string]any
	require.NoError(t, yaml.Unmarshal(data, &events))
	assert.NotContains(t, events, "drug_exposure")
	assert.Contains(t, events, "measurement")
	assert.Contains(t, events, "person_birth_death")

	rec, err := os.ReadFile(record)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(rec)), "\n")
	abs, err := filepath.Abs(cfg.PreMEDSDir)
	require.NoError(t, err)
	assert.Equal(t, "PRE_MEDS_DIR="+abs, lines[0])
	assert.Equal(t, "N_WORKERS=2", lines[1])
	assert.NotContains(t, lines, "~parallelize")
	assert.DirExists(t, filepath.Join(cfg.MEDSCohortDir, "data"))
	assert.FileExists(t, filepath.Join(cfg.RootOutputDir, "configs", "runner.yaml"))
	assert.FileExists(t, filepath.Join(cfg.RootOutputDir, "configs", "ETL.yaml"))
}

func TestPipeline_SecondRunSkipsPreMEDS(t *testing.T) {
	srv := startMirror(t)
	cfg := runConfig(t, srv.URL)
	bin, _ := fakeRunner(t)

	docs, err := etl.LoadDocuments(cfg)
	require.NoError(t, err)
	p := etl.New(cfg, docs, etl.NewRunner(bin, zerolog.Nop()), "test", zerolog.Nop())
	require.NoError(t, p.Run(context.Background()))

	marker, err := os.ReadFile(filepath.Join(cfg.PreMEDSDir, premeds.DoneFile))
	require.NoError(t, err)

	res, err := p.PreMEDS(context.Background(), "second")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	again, err := os.ReadFile(filepath.Join(cfg.PreMEDSDir, premeds.DoneFile))
	require.NoError(t, err)
	assert.Equal(t, string(marker), string(again))
}

func TestPipeline_WrongCredentialsFailDownload(t *testing.T) {
	srv := startMirror(t)
	cfg := runConfig(t, srv.URL)
	docs, err := etl.LoadDocuments(cfg)
	require.NoError(t, err)
	docs.Dataset.URLs.Demo[0].Password = "wrong"

	p := etl.New(cfg, docs, nil, "test", zerolog.Nop())
	err = p.Download(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to download data from")
	_, statErr := os.Stat(filepath.Join(cfg.PreMEDSDir, premeds.DoneFile))
	assert.True(t, os.IsNotExist(statErr))
}
