package premeds

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrTableNotFound means a table the linker cannot run without has no raw
// file.
var ErrTableNotFound = errors.New("raw table not found")

// RequiredTables are the raw tables the linker needs regardless of
// configuration.
var RequiredTables = []string{"person", "visit_occurrence", "concept", "concept_relationship"}

// Discover returns the raw source of table under dir: the first file named
// <table><ext> for each extension pattern ("*.csv" → ".csv"), else a
// directory named <table>. ok is false when neither exists.
func Discover(dir, table string, patterns []string) (path string, ok bool) {
	for _, p := range patterns {
		ext := strings.TrimPrefix(p, "*")
		fp := filepath.Join(dir, table+ext)
		if info, err := os.Stat(fp); err == nil && !info.IsDir() {
			return fp, true
		}
	}
	fp := filepath.Join(dir, table)
	if info, err := os.Stat(fp); err == nil && info.IsDir() {
		return fp, true
	}
	return "", false
}
