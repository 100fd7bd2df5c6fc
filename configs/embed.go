// Package configs carries the default pipeline documents. Each can be
// replaced at run time by pointing the matching config key at a file.
package configs

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed *.yaml
var files embed.FS

// Embedded document names.
const (
	Dataset = "dataset.yaml"
	OMOP    = "omop.yaml"
	PreMEDS = "pre_MEDS.yaml"
	Events  = "event_configs.yaml"
	Runner  = "runner.yaml"
	ETL     = "ETL.yaml"
)

// Read returns the document at override, or the embedded default name when
// override is empty.
func Read(name, override string) ([]byte, error) {
	if override != "" {
		data, err := os.ReadFile(override)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", override, err)
		}
		return data, nil
	}
	data, err := files.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("embedded config %s: %w", name, err)
	}
	return data, nil
}

// Materialize writes the embedded document name into dir and returns its
// path. The external runner reads its configs from disk.
func Materialize(dir, name string) (string, error) {
	data, err := files.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("embedded config %s: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	fp := filepath.Join(dir, name)
	if err := os.WriteFile(fp, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", fp, err)
	}
	return fp, nil
}
