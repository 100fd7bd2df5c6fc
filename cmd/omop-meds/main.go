package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/omopmeds/omopmeds/internal/config"
	"github.com/omopmeds/omopmeds/internal/etl"
	"github.com/omopmeds/omopmeds/internal/platform/mirror"
	"github.com/omopmeds/omopmeds/internal/platform/pgexport"
	"github.com/omopmeds/omopmeds/internal/premeds"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the state shared by every subcommand.
type app struct {
	v          *viper.Viper
	configFile string
	runnerBin  string
}

func newRootCmd() *cobra.Command {
	return newApp().rootCmd()
}

func newApp() *app {
	return &app{v: viper.New()}
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "omop-meds",
		Short:         "Convert OMOP CDM extracts into MEDS",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "run config file (YAML)")
	flags.String("env", "", "environment (development enables console logs)")
	flags.String("raw-input-dir", "", "directory holding the raw OMOP tables")
	flags.String("root-output-dir", "", "directory for pre_MEDS and MEDS_cohort output")
	flags.Bool("overwrite", false, "discard existing output before running")
	flags.Bool("demo", false, "use the demo dataset")
	flags.Int("limit-subjects", 0, "keep only the first N subjects (0 keeps all)")
	flags.Int("workers", 0, "tables processed in parallel")
	flags.String("memory-limit", "", "query engine memory cap, e.g. 4GB")
	a.bind(flags, map[string]string{
		"env":             "env",
		"raw_input_dir":   "raw-input-dir",
		"root_output_dir": "root-output-dir",
		"do_overwrite":    "overwrite",
		"do_demo":         "demo",
		"limit_subjects":  "limit-subjects",
		"workers":         "workers",
		"memory_limit":    "memory-limit",
	})

	rootCmd.AddCommand(a.runCmd())
	rootCmd.AddCommand(a.downloadCmd())
	rootCmd.AddCommand(a.premedsCmd())
	rootCmd.AddCommand(a.exportCmd())
	rootCmd.AddCommand(a.mirrorCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// bind maps config keys to flags. Flags only override the config when set.
func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}
}

// newLogger writes JSON to stdout, or human-readable lines in development.
func newLogger(env string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return logger
}

// setup loads and validates the config and builds the logger.
func (a *app) setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadWith(a.v, a.configFile)
	if err != nil {
		return nil, newLogger(""), err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid config")
		return nil, logger, err
	}
	return cfg, logger, nil
}

func (a *app) pipeline() (*etl.Pipeline, zerolog.Logger, error) {
	cfg, logger, err := a.setup()
	if err != nil {
		return nil, logger, err
	}
	docs, err := etl.LoadDocuments(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load pipeline documents")
		return nil, logger, err
	}
	return etl.New(cfg, docs, etl.NewRunner(a.runnerBin, logger), version, logger), logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Download (optional), build pre-MEDS tables and run the MEDS conversion",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, logger, err := a.pipeline()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			if err := p.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("pipeline failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().Bool("download", false, "download the dataset first")
	cmd.Flags().String("stage-runner", "", "stage runner config passed to the MEDS runner")
	cmd.Flags().StringVar(&a.runnerBin, "runner", etl.DefaultRunner, "MEDS runner executable")
	a.bind(cmd.Flags(), map[string]string{
		"do_download":     "download",
		"stage_runner_fp": "stage-runner",
	})
	return cmd
}

func (a *app) downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the dataset into the raw input directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, logger, err := a.pipeline()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			if err := p.Download(ctx); err != nil {
				logger.Error().Err(err).Msg("download failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "per-request timeout (0 disables)")
	a.bind(cmd.Flags(), map[string]string{"download_timeout": "timeout"})
	return cmd
}

func (a *app) premedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "premeds",
		Short: "Build the pre-MEDS tables from the raw input directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, logger, err := a.pipeline()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			res, err := p.PreMEDS(ctx, uuid.NewString())
			if err != nil {
				logger.Error().Err(err).Msg("pre-MEDS failed")
				return err
			}
			for _, t := range res.Tables {
				if t.State != premeds.StateDone {
					logger.Info().Str("table", t.Table).Str("state", string(t.State)).Str("reason", t.Reason).Msg("table not processed")
				}
			}
			return nil
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-pg",
		Short: "Export OMOP tables from a Postgres CDM database into the raw input directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.setup()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				err := errors.New("database_url is required")
				logger.Error().Err(err).Msg("invalid config")
				return err
			}
			docs, err := etl.LoadDocuments(cfg)
			if err != nil {
				return err
			}
			tables, err := docs.OMOP.TablesFor(docs.Dataset.OMOPVersion)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			pool, err := pgexport.NewPool(ctx, cfg.DatabaseURL, int32(cfg.Workers))
			if err != nil {
				logger.Error().Err(err).Msg("failed to connect to database")
				return err
			}
			defer pool.Close()
			logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

			return pgexport.Export(ctx, pgexport.PoolCopier{Pool: pool}, pgexport.Request{
				Schema:    cfg.DBSchema,
				OutputDir: cfg.RawInputDir,
				Required:  premeds.RequiredTables,
				Optional:  append([]string{"death"}, withoutVisit(tables)...),
				Workers:   cfg.Workers,
			}, logger)
		},
	}
	cmd.Flags().String("database-url", "", "Postgres connection string")
	cmd.Flags().String("schema", "", "CDM schema")
	a.bind(cmd.Flags(), map[string]string{
		"database_url": "database-url",
		"db_schema":    "schema",
	})
	return cmd
}

func withoutVisit(tables []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if t != "visit_occurrence" {
			out = append(out, t)
		}
	}
	return out
}

func (a *app) mirrorCmd() *cobra.Command {
	var dir, addr, username, password string
	cmd := &cobra.Command{
		Use:   "serve-mirror",
		Short: "Serve a local dataset directory with index pages, for offline downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(a.v.GetString("env"))
			e := mirror.New(dir, mirror.Options{Username: username, Password: password}, logger)

			go func() {
				logger.Info().Str("addr", addr).Str("dir", dir).Msg("starting mirror")
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal().Err(err).Msg("mirror failed")
				}
			}()

			ctx, stop := signalContext()
			defer stop()
			<-ctx.Done()

			logger.Info().Msg("shutting down mirror")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("mirror shutdown: %w", err)
			}
			logger.Info().Msg("mirror stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to serve")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&username, "username", "", "require basic auth with this user")
	cmd.Flags().StringVar(&password, "password", "", "basic auth password")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
