package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. OMOP_MEDS_WORKERS.
const EnvPrefix = "OMOP_MEDS"

type Config struct {
	Env             string        `mapstructure:"env"`
	RawInputDir     string        `mapstructure:"raw_input_dir"`
	RootOutputDir   string        `mapstructure:"root_output_dir"`
	PreMEDSDir      string        `mapstructure:"pre_meds_dir"`
	MEDSCohortDir   string        `mapstructure:"meds_cohort_dir"`
	DoOverwrite     bool          `mapstructure:"do_overwrite"`
	DoDownload      bool          `mapstructure:"do_download"`
	DoDemo          bool          `mapstructure:"do_demo"`
	LimitSubjects   int           `mapstructure:"limit_subjects"`
	Workers         int           `mapstructure:"workers"`
	MemoryLimit     string        `mapstructure:"memory_limit"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	StageRunnerFP   string        `mapstructure:"stage_runner_fp"`
	DatabaseURL     string        `mapstructure:"database_url"`
	DBSchema        string        `mapstructure:"db_schema"`
	DatasetConfig   string        `mapstructure:"dataset_config"`
	PreMEDSConfig   string        `mapstructure:"premeds_config"`
	OMOPConfig      string        `mapstructure:"omop_config"`
	EventConfig     string        `mapstructure:"event_config"`
}

var keys = []string{
	"env", "raw_input_dir", "root_output_dir", "pre_meds_dir", "meds_cohort_dir",
	"do_overwrite", "do_download", "do_demo", "limit_subjects", "workers",
	"memory_limit", "download_timeout", "stage_runner_fp", "database_url", "db_schema",
	"dataset_config", "premeds_config", "omop_config", "event_config",
}

// Load builds the run configuration from defaults, the optional YAML file at
// path, and OMOP_MEDS_* environment variables, in increasing precedence.
// A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-provided viper instance, which lets the CLI
// bind its flags before the config is resolved.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "production")
	v.SetDefault("raw_input_dir", "raw_data")
	v.SetDefault("root_output_dir", "output")
	v.SetDefault("workers", 1)
	v.SetDefault("db_schema", "public")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.resolveDirs()
	return cfg, nil
}

// resolveDirs fills the stage directories that default to children of the
// root output directory.
func (c *Config) resolveDirs() {
	if c.PreMEDSDir == "" {
		c.PreMEDSDir = filepath.Join(c.RootOutputDir, "pre_MEDS")
	}
	if c.MEDSCohortDir == "" {
		c.MEDSCohortDir = filepath.Join(c.RootOutputDir, "MEDS_cohort")
	}
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	var errs []error
	if c.RawInputDir == "" {
		errs = append(errs, errors.New("raw_input_dir is required"))
	}
	if c.RootOutputDir == "" {
		errs = append(errs, errors.New("root_output_dir is required"))
	}
	if c.LimitSubjects < 0 {
		errs = append(errs, fmt.Errorf("limit_subjects must not be negative, got %d", c.LimitSubjects))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.DownloadTimeout < 0 {
		errs = append(errs, fmt.Errorf("download_timeout must not be negative, got %s", c.DownloadTimeout))
	}
	return errors.Join(errs...)
}
