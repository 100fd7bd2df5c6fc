package etl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SubjectIDKey is the event-config entry that is not a table.
const SubjectIDKey = "subject_id_col"

// EventConfigName is the file name of a pruned event config.
const EventConfigName = "event_configs.yaml"

// PruneEventConfig drops every table block of the event config that has no
// <table>.parquet in preMEDSDir, keeping document order and comments of the
// rest. It returns the pruned document and the removed table names.
func PruneEventConfig(src []byte, preMEDSDir string) ([]byte, []string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse event config: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("parse event config: top level must be a mapping")
	}

	produced, err := producedTables(preMEDSDir)
	if err != nil {
		return nil, nil, err
	}

	root := doc.Content[0]
	var kept []*yaml.Node
	var removed []string
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if key != SubjectIDKey && !produced[key] {
			removed = append(removed, key)
			continue
		}
		kept = append(kept, root.Content[i], root.Content[i+1])
	}
	root.Content = kept

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encode event config: %w", err)
	}
	return out, removed, nil
}

// producedTables lists the parquet outputs of the pre-MEDS stage by stem.
func producedTables(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".parquet"); ok && !e.IsDir() {
			out[name] = true
		}
	}
	return out, nil
}

// WriteEventConfig prunes src against preMEDSDir and writes the result there.
// It returns the written path and the removed tables.
func WriteEventConfig(src []byte, preMEDSDir string) (string, []string, error) {
	data, removed, err := PruneEventConfig(src, preMEDSDir)
	if err != nil {
		return "", nil, err
	}
	fp := filepath.Join(preMEDSDir, EventConfigName)
	if err := os.WriteFile(fp, data, 0o644); err != nil {
		return "", nil, fmt.Errorf("write %s: %w", fp, err)
	}
	return fp, removed, nil
}
