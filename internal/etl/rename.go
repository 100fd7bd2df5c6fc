package etl

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// demoPrefix matches the ordering prefix demo archives put on tables and
// folders, as in 2b_concept.csv or 1_omop_data_csv.
var demoPrefix = regexp.MustCompile(`^\d+[a-z]?_`)

// CanonicalName strips a demo ordering prefix and lower-cases name.
func CanonicalName(name string) string {
	return strings.ToLower(demoPrefix.ReplaceAllString(name, ""))
}

// RenameDemoFiles brings a downloaded demo tree into the layout the pre-MEDS
// stage expects. Files and folders are renamed to their canonical names, and
// files inside prefixed grouping folders (1_omop_data_csv/) are moved up into
// dir. Existing targets are never overwritten. It returns the number of
// entries renamed or moved.
func RenameDemoFiles(dir string, logger zerolog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	moved := 0
	for _, name := range names {
		src := filepath.Join(dir, name)
		info, err := os.Stat(src)
		if err != nil {
			return moved, err
		}
		if info.IsDir() && demoPrefix.MatchString(name) {
			n, err := flatten(src, dir, logger)
			moved += n
			if err != nil {
				return moved, err
			}
			continue
		}
		ok, err := renameTo(src, filepath.Join(dir, CanonicalName(name)), logger)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

// flatten moves the entries of group into dir under canonical names and
// removes group once it is empty.
func flatten(group, dir string, logger zerolog.Logger) (int, error) {
	// Nested grouping folders are handled first so their files surface too.
	if _, err := RenameDemoFiles(group, logger); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(group)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", group, err)
	}
	moved := 0
	for _, e := range entries {
		ok, err := renameTo(filepath.Join(group, e.Name()), filepath.Join(dir, CanonicalName(e.Name())), logger)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	if rest, err := os.ReadDir(group); err == nil && len(rest) == 0 {
		if err := os.Remove(group); err != nil {
			return moved, fmt.Errorf("remove %s: %w", group, err)
		}
	}
	return moved, nil
}

func renameTo(src, dst string, logger zerolog.Logger) (bool, error) {
	if src == dst {
		return false, nil
	}
	if _, err := os.Stat(dst); err == nil {
		logger.Warn().Str("from", src).Str("to", dst).Msg("target exists, not renaming")
		return false, nil
	}
	if err := os.Rename(src, dst); err != nil {
		return false, fmt.Errorf("rename %s: %w", src, err)
	}
	logger.Debug().Str("from", src).Str("to", dst).Msg("renamed")
	return true, nil
}
