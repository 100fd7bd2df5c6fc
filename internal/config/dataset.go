package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Source is one download entry: a bare URL or a credentialed one.
type Source struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

func (s *Source) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s.URL = value.Value
		return nil
	}
	type plain Source
	if err := value.Decode((*plain)(s)); err != nil {
		return err
	}
	if s.URL == "" {
		return fmt.Errorf("line %d: download entry without url", value.Line)
	}
	return nil
}

// DatasetInfo describes the dataset being converted and where to get it.
type DatasetInfo struct {
	Name              string `yaml:"dataset_name"`
	RawDatasetVersion string `yaml:"raw_dataset_version"`
	OMOPVersion       string `yaml:"omop_version"`
	URLs              struct {
		Dataset []Source `yaml:"dataset"`
		Demo    []Source `yaml:"demo"`
		Common  []Source `yaml:"common"`
	} `yaml:"urls"`
}

// ParseDatasetInfo decodes a dataset document.
func ParseDatasetInfo(data []byte) (*DatasetInfo, error) {
	var info DatasetInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse dataset config: %w", err)
	}
	if info.Name == "" {
		return nil, fmt.Errorf("parse dataset config: dataset_name is required")
	}
	if info.OMOPVersion == "" {
		return nil, fmt.Errorf("parse dataset config: omop_version is required")
	}
	return &info, nil
}

// Sources lists what to download: the demo or full dataset entries followed
// by the common ones.
func (d *DatasetInfo) Sources(demo bool) []Source {
	var out []Source
	if demo {
		out = append(out, d.URLs.Demo...)
	} else {
		out = append(out, d.URLs.Dataset...)
	}
	return append(out, d.URLs.Common...)
}

// Version renders the runner's dataset version string,
// <raw>:<package>:OMOP_<omop>.
func (d *DatasetInfo) Version(pkgVersion string) string {
	return fmt.Sprintf("%s:%s:OMOP_%s", d.RawDatasetVersion, pkgVersion, d.OMOPVersion)
}
