package omop

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// StringList decodes from either a YAML scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" || value.Value == "" {
			*l = nil
			return nil
		}
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected string or list of strings", value.Line)
}

// JoinSpec declares how one raw table is joined and projected.
type JoinSpec struct {
	// ReferenceCols hold concept ids to resolve against the concept table.
	ReferenceCols StringList `yaml:"reference_cols"`
	// OutputDataCols are kept in the output next to the subject id. Empty
	// keeps every column.
	OutputDataCols StringList `yaml:"output_data_cols"`
	// ConceptCols are concept table columns attached per reference column.
	// Defaults to the canonical code.
	ConceptCols StringList `yaml:"concept_cols"`
	// DatetimeCols are parsed to timestamps.
	DatetimeCols StringList `yaml:"datetime_cols"`
	// EndDatetimeCols are parsed to timestamps, date-only values moved to
	// the end of the day.
	EndDatetimeCols StringList `yaml:"end_datetime_cols"`
	// WarningItems are open data-quality notes logged when the table runs.
	WarningItems StringList `yaml:"warning_items"`
}

// Validate rejects specs whose declarations contradict each other.
func (s JoinSpec) Validate() error {
	ends := make(map[string]bool, len(s.EndDatetimeCols))
	for _, c := range s.EndDatetimeCols {
		ends[c] = true
	}
	for _, c := range s.DatetimeCols {
		if ends[c] {
			return fmt.Errorf("%w: %q is both a datetime and an end datetime column", ErrInvalidSpec, c)
		}
	}
	seen := make(map[string]bool, len(s.ReferenceCols))
	for _, c := range s.ReferenceCols {
		if seen[c] {
			return fmt.Errorf("%w: reference column %q listed twice", ErrInvalidSpec, c)
		}
		seen[c] = true
	}
	return nil
}

func (s JoinSpec) conceptCols() []string {
	if len(s.ConceptCols) == 0 {
		return []string{ColCode}
	}
	return s.ConceptCols
}

// AttachedName is the output column for concept column conceptCol resolved
// through reference column ref: condition_concept_id + concept_name gives
// condition_concept_name.
func AttachedName(ref, conceptCol string) string {
	prefix := strings.TrimSuffix(ref, "_id")
	return prefix + "_" + strings.TrimPrefix(conceptCol, "concept_")
}

// TableConfig is one table's entry in the pre-MEDS config: either a single
// JoinSpec or a set of JoinSpecs keyed by OMOP version ("5.3", "5.4").
type TableConfig struct {
	Spec     JoinSpec
	Versions map[string]JoinSpec
}

func isVersionKey(k string) bool {
	_, err := strconv.ParseFloat(k, 64)
	return err == nil
}

// NormalizeVersion renders a version the way config keys spell it, so
// "5.30" and "5.3" agree.
func NormalizeVersion(v string) string {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return strings.TrimSpace(v)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func (c *TableConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: table config must be a mapping", value.Line)
	}
	versioned := 0
	for i := 0; i < len(value.Content); i += 2 {
		if isVersionKey(value.Content[i].Value) {
			versioned++
		}
	}
	if versioned == 0 {
		return value.Decode(&c.Spec)
	}
	if versioned*2 != len(value.Content) {
		return fmt.Errorf("line %d: table config mixes version keys and join fields", value.Line)
	}
	c.Versions = make(map[string]JoinSpec, versioned)
	for i := 0; i < len(value.Content); i += 2 {
		var spec JoinSpec
		if err := value.Content[i+1].Decode(&spec); err != nil {
			return err
		}
		c.Versions[NormalizeVersion(value.Content[i].Value)] = spec
	}
	return nil
}

// For returns the spec that applies to version.
func (c TableConfig) For(version string) (JoinSpec, error) {
	if len(c.Versions) == 0 {
		return c.Spec, nil
	}
	spec, ok := c.Versions[NormalizeVersion(version)]
	if !ok {
		return JoinSpec{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}
	return spec, nil
}

// Registry maps table name to its resolved join spec.
type Registry map[string]JoinSpec

// Tables returns the registered table names in sorted order.
func (r Registry) Tables() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveRegistry picks each table's spec for version and validates it. Any
// table that cannot serve version fails the whole resolution.
func ResolveRegistry(tables map[string]TableConfig, version string) (Registry, error) {
	reg := make(Registry, len(tables))
	for name, tc := range tables {
		spec, err := tc.For(version)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		reg[name] = spec
	}
	return reg, nil
}

// ---------------------------------------------------------------------------
// Config documents
// ---------------------------------------------------------------------------

// PreMEDSConfig is the table preprocessor document.
type PreMEDSConfig struct {
	SubjectID         string                 `yaml:"subject_id"`
	RawDataExtensions []string               `yaml:"raw_data_extensions"`
	Tables            map[string]TableConfig `yaml:"tables"`
}

// ParsePreMEDSConfig decodes a table preprocessor document.
func ParsePreMEDSConfig(data []byte) (*PreMEDSConfig, error) {
	var cfg PreMEDSConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pre-MEDS config: %w", err)
	}
	if cfg.SubjectID == "" {
		cfg.SubjectID = DefaultSubjectID
	}
	if len(cfg.RawDataExtensions) == 0 {
		cfg.RawDataExtensions = []string{"*.csv", "*.csv.gz", "*.parquet"}
	}
	return &cfg, nil
}

// OMOPConfig lists the data tables expected for each OMOP version.
type OMOPConfig map[string]struct {
	Tables []string `yaml:"tables"`
}

// ParseOMOPConfig decodes the per-version table list document.
func ParseOMOPConfig(data []byte) (OMOPConfig, error) {
	raw := make(OMOPConfig)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse OMOP config: %w", err)
	}
	out := make(OMOPConfig, len(raw))
	for k, v := range raw {
		out[NormalizeVersion(k)] = v
	}
	return out, nil
}

// TablesFor returns the data tables for version.
func (c OMOPConfig) TablesFor(version string) ([]string, error) {
	v, ok := c[NormalizeVersion(version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}
	return v.Tables, nil
}
