package etl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRunner is the MEDS transformation entry point.
const DefaultRunner = "MEDS_transform-runner"

// RunnerSpec is everything needed to hand the pre-MEDS output to the MEDS
// transformation runner.
type RunnerSpec struct {
	DatasetName    string
	DatasetVersion string
	EventConfigFP  string
	PreMEDSDir     string
	CohortDir      string
	// RunnerConfigFP is the runner's hydra config; its directory and stem
	// become --config-path and --config-name.
	RunnerConfigFP string
	PipelineFP     string
	StageRunnerFP  string
	// Workers is N_WORKERS; at most 1 disables parallelism.
	Workers int
}

// Env returns the variables the runner's pipeline config interpolates.
func (s RunnerSpec) Env() ([]string, error) {
	eventFP, err := filepath.Abs(s.EventConfigFP)
	if err != nil {
		return nil, err
	}
	preMEDS, err := filepath.Abs(s.PreMEDSDir)
	if err != nil {
		return nil, err
	}
	cohort, err := filepath.Abs(s.CohortDir)
	if err != nil {
		return nil, err
	}
	return []string{
		"DATASET_NAME=" + s.DatasetName,
		"DATASET_VERSION=" + s.DatasetVersion,
		"EVENT_CONVERSION_CONFIG_FP=" + eventFP,
		"PRE_MEDS_DIR=" + preMEDS,
		"MEDS_COHORT_DIR=" + cohort,
		"N_WORKERS=" + strconv.Itoa(max(s.Workers, 1)),
	}, nil
}

// Args returns the runner's command line.
func (s RunnerSpec) Args() ([]string, error) {
	cfgDir, err := filepath.Abs(filepath.Dir(s.RunnerConfigFP))
	if err != nil {
		return nil, err
	}
	pipeline, err := filepath.Abs(s.PipelineFP)
	if err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(s.RunnerConfigFP), filepath.Ext(s.RunnerConfigFP))
	args := []string{
		"--config-path=" + cfgDir,
		"--config-name=" + stem,
		"pipeline_config_fp=" + pipeline,
	}
	if s.Workers <= 1 {
		args = append(args, "~parallelize")
	}
	if s.StageRunnerFP != "" {
		args = append(args, "stage_runner_fp="+s.StageRunnerFP)
	}
	return append(args, "hydra.searchpath=[pkg://MEDS_transforms.configs]"), nil
}

// Runner executes the MEDS transformation runner as a subprocess.
type Runner struct {
	// Binary defaults to DefaultRunner looked up on PATH.
	Binary string
	log    zerolog.Logger
}

func NewRunner(binary string, logger zerolog.Logger) *Runner {
	if binary == "" {
		binary = DefaultRunner
	}
	return &Runner{Binary: binary, log: logger}
}

// Run starts the runner and waits for it. Output is kept and attached to the
// error when the runner fails.
func (r *Runner) Run(ctx context.Context, spec RunnerSpec) error {
	env, err := spec.Env()
	if err != nil {
		return fmt.Errorf("runner env: %w", err)
	}
	args, err := spec.Args()
	if err != nil {
		return fmt.Errorf("runner args: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Info().Str("binary", r.Binary).Strs("args", args).Strs("env", env).Msg("starting MEDS runner")
	start := time.Now()
	if err := cmd.Run(); err != nil {
		r.log.Error().Err(err).Str("stdout", stdout.String()).Str("stderr", stderr.String()).Msg("MEDS runner failed")
		return fmt.Errorf("run %s: %w: %s", r.Binary, err, strings.TrimSpace(stderr.String()))
	}
	r.log.Info().Dur("took", time.Since(start)).Msg("MEDS runner finished")
	r.log.Debug().Str("stdout", stdout.String()).Msg("MEDS runner output")
	return nil
}
