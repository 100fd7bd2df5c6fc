// Package etl wires the end-to-end OMOP to MEDS run: download, demo file
// renaming, the pre-MEDS stage, event-config pruning and the hand-off to the
// MEDS transformation runner.
package etl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omopmeds/omopmeds/configs"
	"github.com/omopmeds/omopmeds/internal/config"
	"github.com/omopmeds/omopmeds/internal/domain/omop"
	"github.com/omopmeds/omopmeds/internal/platform/fetch"
	"github.com/omopmeds/omopmeds/internal/premeds"
)

// Documents are the parsed pipeline documents.
type Documents struct {
	Dataset *config.DatasetInfo
	PreMEDS *omop.PreMEDSConfig
	OMOP    omop.OMOPConfig
	Events  []byte
}

// LoadDocuments reads each document from its configured path or the
// embedded default.
func LoadDocuments(cfg *config.Config) (*Documents, error) {
	data, err := configs.Read(configs.Dataset, cfg.DatasetConfig)
	if err != nil {
		return nil, err
	}
	dataset, err := config.ParseDatasetInfo(data)
	if err != nil {
		return nil, err
	}
	if data, err = configs.Read(configs.PreMEDS, cfg.PreMEDSConfig); err != nil {
		return nil, err
	}
	pre, err := omop.ParsePreMEDSConfig(data)
	if err != nil {
		return nil, err
	}
	if data, err = configs.Read(configs.OMOP, cfg.OMOPConfig); err != nil {
		return nil, err
	}
	versions, err := omop.ParseOMOPConfig(data)
	if err != nil {
		return nil, err
	}
	events, err := configs.Read(configs.Events, cfg.EventConfig)
	if err != nil {
		return nil, err
	}
	return &Documents{Dataset: dataset, PreMEDS: pre, OMOP: versions, Events: events}, nil
}

// Pipeline runs the stages against one immutable configuration.
type Pipeline struct {
	cfg     *config.Config
	docs    *Documents
	fetcher *fetch.Fetcher
	runner  *Runner
	version string
	log     zerolog.Logger
}

// New builds a pipeline. version is this program's version, reported in the
// dataset version string handed to the runner.
func New(cfg *config.Config, docs *Documents, runner *Runner, version string, logger zerolog.Logger) *Pipeline {
	timeout := cfg.DownloadTimeout
	factory := func(src config.Source) *fetch.Session {
		return fetch.NewSession(src.Username, src.Password, timeout)
	}
	if runner == nil {
		runner = NewRunner("", logger)
	}
	return &Pipeline{
		cfg:     cfg,
		docs:    docs,
		fetcher: fetch.New(logger.With().Str("stage", "download").Logger(), factory),
		runner:  runner,
		version: version,
		log:     logger,
	}
}

// Run executes every stage in order. Each run gets a fresh id that tags its
// log lines and the pre-MEDS completion marker.
func (p *Pipeline) Run(ctx context.Context) error {
	runID := uuid.NewString()
	log := p.log.With().Str("run_id", runID).Logger()
	start := time.Now()

	if p.cfg.DoOverwrite {
		if err := os.RemoveAll(p.cfg.RootOutputDir); err != nil {
			return fmt.Errorf("remove %s: %w", p.cfg.RootOutputDir, err)
		}
		log.Info().Str("dir", p.cfg.RootOutputDir).Msg("removed existing output")
	}

	if p.cfg.DoDownload {
		if err := p.Download(ctx); err != nil {
			return err
		}
	} else {
		log.Info().Msg("skipping data download")
		if p.cfg.DoDemo {
			if err := p.renameDemo(); err != nil {
				return err
			}
		}
	}

	if _, err := p.PreMEDS(ctx, runID); err != nil {
		return fmt.Errorf("pre-MEDS: %w", err)
	}
	if err := p.Convert(ctx); err != nil {
		return fmt.Errorf("MEDS conversion: %w", err)
	}
	log.Info().Dur("took", time.Since(start)).Msg("pipeline complete")
	return nil
}

// Download fetches the dataset (or its demo) into the raw input directory and
// normalizes demo file names.
func (p *Pipeline) Download(ctx context.Context) error {
	p.log.Info().Bool("demo", p.cfg.DoDemo).Str("dir", p.cfg.RawInputDir).Msg("downloading data")
	if err := p.fetcher.DownloadData(ctx, p.cfg.RawInputDir, p.docs.Dataset, p.cfg.DoDemo); err != nil {
		return err
	}
	return p.renameDemo()
}

func (p *Pipeline) renameDemo() error {
	n, err := RenameDemoFiles(p.cfg.RawInputDir, p.log)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("raw input dir %s does not exist: %w", p.cfg.RawInputDir, err)
	}
	if err != nil {
		return err
	}
	p.log.Info().Int("renamed", n).Msg("normalized raw file names")
	return nil
}

// PreMEDS runs the table linker for the dataset's OMOP version.
func (p *Pipeline) PreMEDS(ctx context.Context, runID string) (*premeds.Result, error) {
	tables, err := p.docs.OMOP.TablesFor(p.docs.Dataset.OMOPVersion)
	if err != nil {
		return nil, err
	}
	return premeds.Run(ctx, premeds.Options{
		RawInputDir: p.cfg.RawInputDir,
		OutputDir:   p.cfg.PreMEDSDir,
		Overwrite:   p.cfg.DoOverwrite,
		Limit:       p.cfg.LimitSubjects,
		Workers:     p.cfg.Workers,
		MemoryLimit: p.cfg.MemoryLimit,
		OMOPVersion: p.docs.Dataset.OMOPVersion,
		RunID:       runID,
		Config:      p.docs.PreMEDS,
		Tables:      tables,
	}, p.log)
}

// Convert prunes the event config against the pre-MEDS output and starts the
// MEDS runner.
func (p *Pipeline) Convert(ctx context.Context) error {
	eventFP, removed, err := WriteEventConfig(p.docs.Events, p.cfg.PreMEDSDir)
	if err != nil {
		return err
	}
	for _, t := range removed {
		p.log.Warn().Str("table", t).Msg("removing table from event config, no pre-MEDS output")
	}

	cfgDir := filepath.Join(p.cfg.RootOutputDir, "configs")
	runnerFP, err := configs.Materialize(cfgDir, configs.Runner)
	if err != nil {
		return err
	}
	pipelineFP, err := configs.Materialize(cfgDir, configs.ETL)
	if err != nil {
		return err
	}
	return p.runner.Run(ctx, RunnerSpec{
		DatasetName:    p.docs.Dataset.Name,
		DatasetVersion: p.docs.Dataset.Version(p.version),
		EventConfigFP:  eventFP,
		PreMEDSDir:     p.cfg.PreMEDSDir,
		CohortDir:      p.cfg.MEDSCohortDir,
		RunnerConfigFP: runnerFP,
		PipelineFP:     pipelineFP,
		StageRunnerFP:  p.cfg.StageRunnerFP,
		Workers:        p.cfg.Workers,
	})
}
