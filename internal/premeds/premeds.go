// Package premeds runs the pre-MEDS stage: it links every raw OMOP table in
// the input directory to the patient and concept tables and writes one
// parquet file per table into the pre-MEDS directory.
package premeds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/omopmeds/omopmeds/internal/domain/omop"
	"github.com/omopmeds/omopmeds/internal/platform/tableio"
)

// Output files next to the per-table outputs.
const (
	DoneFile                = ".done"
	PatientFile             = "person_birth_death.parquet"
	ConceptFile             = "concept.parquet"
	ConceptRelationshipFile = "concept_relationship.parquet"
	CodesFile               = "codes.parquet"
)

// State is a table's progress through the stage.
type State string

const (
	StatePending State = "pending"
	StateLoaded  State = "loaded"
	StateJoined  State = "joined"
	StateWritten State = "written"
	StateDone    State = "done"
	StateSkipped State = "skipped"
)

// Options configures one run of the stage.
type Options struct {
	RawInputDir string
	OutputDir   string
	Overwrite   bool
	Limit       int
	Workers     int
	// MemoryLimit caps the query engine's memory, e.g. "4GB". Empty keeps
	// the engine default.
	MemoryLimit string
	OMOPVersion string
	RunID       string

	// Config holds the per-table join specs and file patterns.
	Config *omop.PreMEDSConfig
	// Tables are the data tables expected for OMOPVersion.
	Tables []string
}

// TableResult reports what happened to one data table.
type TableResult struct {
	Table  string
	Source string
	State  State
	Rows   int
	Reason string
}

// Result summarizes a run.
type Result struct {
	// Skipped is set when a previous run had already completed the stage.
	Skipped bool
	Tables  []TableResult
}

// Run executes the stage. A completed previous run (marker file present) is
// left alone unless Overwrite is set, in which case the output directory is
// cleared first. Side tables already on disk are reused as views over their
// files unless their schema is stale, and data tables whose output exists
// are skipped.
func Run(ctx context.Context, opts Options, logger zerolog.Logger) (*Result, error) {
	if opts.Config == nil {
		return nil, errors.New("premeds: no table config")
	}
	log := logger.With().Str("stage", "pre_MEDS").Str("run_id", opts.RunID).Logger()
	start := time.Now()

	donePath := filepath.Join(opts.OutputDir, DoneFile)
	if _, err := os.Stat(donePath); err == nil {
		if !opts.Overwrite {
			log.Info().Str("marker", donePath).Msg("pre-MEDS already complete, skipping")
			return &Result{Skipped: true}, nil
		}
		log.Info().Str("dir", opts.OutputDir).Msg("overwrite requested, clearing pre-MEDS output")
		if err := os.RemoveAll(opts.OutputDir); err != nil {
			return nil, fmt.Errorf("clear %s: %w", opts.OutputDir, err)
		}
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", opts.OutputDir, err)
	}

	registry, err := omop.ResolveRegistry(opts.Config.Tables, opts.OMOPVersion)
	if err != nil {
		return nil, err
	}
	log.Info().Str("omop_version", opts.OMOPVersion).Int("specs", len(registry)).Msg("join specs resolved")

	st := &stage{opts: opts, log: log, sid: opts.Config.SubjectID}
	if st.sid == "" {
		st.sid = omop.DefaultSubjectID
	}
	if err := st.checkInputs(); err != nil {
		return nil, err
	}

	db, err := tableio.Open(ctx, tableio.Options{MemoryLimit: opts.MemoryLimit})
	if err != nil {
		return nil, err
	}
	defer db.Close()
	st.db = db

	concepts, err := st.concepts(ctx)
	if err != nil {
		return nil, err
	}
	relationships, err := st.relationships(ctx)
	if err != nil {
		return nil, err
	}
	patients, err := st.patients(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.codes(ctx, concepts, relationships); err != nil {
		return nil, err
	}

	results, err := st.tables(ctx, registry, patients, concepts)
	if err != nil {
		return nil, err
	}

	marker := fmt.Sprintf("run_id: %s\ncompleted_at: %s\n", opts.RunID, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(donePath, []byte(marker), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", donePath, err)
	}
	log.Info().Dur("took", time.Since(start)).Str("dir", opts.OutputDir).Msg("pre-MEDS complete")
	return &Result{Tables: results}, nil
}

type stage struct {
	opts Options
	log  zerolog.Logger
	sid  string
	db   *tableio.DB
}

func (s *stage) out(name string) string { return filepath.Join(s.opts.OutputDir, name) }

func exists(fp string) bool {
	_, err := os.Stat(fp)
	return err == nil
}

// checkInputs fails when a raw table needed to fill a missing cache file is
// absent.
func (s *stage) checkInputs() error {
	need := map[string]bool{}
	if !exists(s.out(ConceptFile)) || !exists(s.out(CodesFile)) {
		need["concept"] = true
	}
	if !exists(s.out(ConceptRelationshipFile)) || !exists(s.out(CodesFile)) {
		need["concept_relationship"] = true
	}
	if !exists(s.out(PatientFile)) {
		need["person"] = true
		need["visit_occurrence"] = true
	}
	for _, t := range RequiredTables {
		if !need[t] {
			continue
		}
		if _, ok := Discover(s.opts.RawInputDir, t, s.opts.Config.RawDataExtensions); !ok {
			return fmt.Errorf("%w: %s in %s", ErrTableNotFound, t, s.opts.RawInputDir)
		}
	}
	return nil
}

// registerRaw exposes a raw table as view raw_<table>.
func (s *stage) registerRaw(ctx context.Context, table string) (*tableio.Table, error) {
	fp, ok := Discover(s.opts.RawInputDir, table, s.opts.Config.RawDataExtensions)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrTableNotFound, table, s.opts.RawInputDir)
	}
	s.log.Info().Str("table", table).Str("path", fp).Msg("registering raw table")
	t, err := s.db.Register(ctx, "raw_"+table, fp)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	return t, nil
}

// cached exposes side table name as a view over its parquet file, building
// the file first when it is missing or its schema lacks one of the want
// columns.
func (s *stage) cached(ctx context.Context, name, view string, want map[string]tableio.Kind, build func() (string, error)) (*tableio.Table, error) {
	fp := s.out(name)
	if exists(fp) {
		if err := checkSchema(fp, want); err != nil {
			s.log.Warn().Err(err).Str("path", fp).Msg("cached table is stale, rebuilding")
		} else {
			s.log.Info().Str("path", fp).Msg("reusing cached table")
			return s.db.Register(ctx, view, fp)
		}
	}
	q, err := build()
	if err != nil {
		return nil, err
	}
	n, err := s.db.WriteParquet(ctx, q, fp)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("path", fp).Int64("rows", n).Msg("wrote table")
	return s.db.Register(ctx, view, fp)
}

// errStaleSchema means a cached file does not carry the columns this
// version writes.
var errStaleSchema = errors.New("stale schema")

func checkSchema(fp string, want map[string]tableio.Kind) error {
	fields, err := tableio.ReadSchema(fp)
	if err != nil {
		return err
	}
	got := tableio.SchemaKinds(fields)
	for col, kind := range want {
		if got[col] != kind {
			return fmt.Errorf("%w: %s is %q, want %q", errStaleSchema, col, got[col], kind)
		}
	}
	return nil
}

func (s *stage) concepts(ctx context.Context) (*tableio.Table, error) {
	want := map[string]tableio.Kind{omop.ColConceptID: tableio.KindInt64, omop.ColCode: tableio.KindString}
	return s.cached(ctx, ConceptFile, "concept", want, func() (string, error) {
		raw, err := s.registerRaw(ctx, "concept")
		if err != nil {
			return "", err
		}
		return omop.PrepareConcepts(raw)
	})
}

func (s *stage) relationships(ctx context.Context) (*tableio.Table, error) {
	want := map[string]tableio.Kind{omop.ColConceptID1: tableio.KindInt64, omop.ColConceptID2: tableio.KindInt64}
	return s.cached(ctx, ConceptRelationshipFile, "concept_relationship", want, func() (string, error) {
		raw, err := s.registerRaw(ctx, "concept_relationship")
		if err != nil {
			return "", err
		}
		return omop.PrepareRelationships(raw)
	})
}

func (s *stage) patients(ctx context.Context) (*tableio.Table, error) {
	want := map[string]tableio.Kind{
		s.sid:               tableio.KindInt64,
		omop.ColDateOfBirth: tableio.KindTimestamp,
		omop.ColDateOfDeath: tableio.KindTimestamp,
	}
	return s.cached(ctx, PatientFile, "person_birth_death", want, func() (string, error) {
		person, err := s.registerRaw(ctx, "person")
		if err != nil {
			return "", err
		}
		visit, err := s.registerRaw(ctx, "visit_occurrence")
		if err != nil {
			return "", err
		}
		var death *tableio.Table
		if _, ok := Discover(s.opts.RawInputDir, "death", s.opts.Config.RawDataExtensions); ok {
			if death, err = s.registerRaw(ctx, "death"); err != nil {
				return "", err
			}
		} else {
			s.log.Warn().Msg("no death table, all subjects get a null date of death")
		}
		return omop.GetPatientLink(person, death, visit, omop.LinkOptions{SubjectID: s.sid, Limit: s.opts.Limit})
	})
}

func (s *stage) codes(ctx context.Context, concepts, relationships *tableio.Table) error {
	want := map[string]tableio.Kind{omop.ColCode: tableio.KindString, omop.ColParentCodes: tableio.KindList}
	_, err := s.cached(ctx, CodesFile, "codes", want, func() (string, error) {
		return omop.ExtractMetadata(concepts, relationships)
	})
	return err
}

// tables links every configured data table, up to Workers at a time.
func (s *stage) tables(ctx context.Context, registry omop.Registry, patients, concepts *tableio.Table) ([]TableResult, error) {
	results := make([]TableResult, len(s.opts.Tables))
	var mu sync.Mutex
	set := func(i int, r TableResult) {
		mu.Lock()
		results[i] = r
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.opts.Workers, 1))
	for i, table := range s.opts.Tables {
		res := TableResult{Table: table, State: StatePending}
		spec, ok := registry[table]
		if !ok {
			res.State, res.Reason = StateSkipped, "no join spec"
			s.log.Warn().Str("table", table).Msg("no join spec configured, skipping")
			set(i, res)
			continue
		}
		src, ok := Discover(s.opts.RawInputDir, table, s.opts.Config.RawDataExtensions)
		if !ok {
			res.State, res.Reason = StateSkipped, "no raw file"
			s.log.Warn().Str("table", table).Msg("no files found")
			set(i, res)
			continue
		}
		res.Source = src
		outPath := s.out(table + ".parquet")
		if exists(outPath) {
			res.State, res.Reason = StateSkipped, "output exists"
			s.log.Info().Str("table", table).Msg("output exists, skipping")
			set(i, res)
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := s.table(ctx, table, src, outPath, spec, patients, concepts)
			set(i, r)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *stage) table(ctx context.Context, table, src, outPath string, spec omop.JoinSpec, patients, concepts *tableio.Table) (TableResult, error) {
	res := TableResult{Table: table, Source: src, State: StatePending}
	log := s.log.With().Str("table", table).Logger()
	start := time.Now()

	if len(spec.WarningItems) > 0 {
		arr := zerolog.Arr()
		for _, w := range spec.WarningItems {
			arr.Str(w)
		}
		log.Warn().Array("open_items", arr).Msg("table has unresolved data-quality notes")
	}

	raw, err := s.db.Register(ctx, "raw_"+table, src)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", table, err)
	}
	res.State = StateLoaded
	log.Debug().Str("state", string(res.State)).Int("columns", len(raw.Columns)).Msg("table state")

	q, err := omop.JoinConcept(table, raw, patients, concepts, spec, s.sid)
	if err != nil {
		return res, err
	}
	res.State = StateJoined
	log.Debug().Str("state", string(res.State)).Msg("table state")

	n, err := s.db.WriteParquet(ctx, q, outPath)
	if err != nil {
		return res, fmt.Errorf("write %s: %w", table, err)
	}
	res.State, res.Rows = StateWritten, int(n)
	log.Debug().Str("state", string(res.State)).Str("path", outPath).Msg("table state")

	res.State = StateDone
	log.Info().Int("rows", res.Rows).Dur("took", time.Since(start)).Msg("table processed")
	return res, nil
}
