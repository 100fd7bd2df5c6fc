package main

import (
	"bytes"
	"path/filepath"
	"reflect"
	"testing"
)

// ---------------------------------------------------------------------------
// command tree
// ---------------------------------------------------------------------------

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"run", "download", "premeds", "export-pg", "serve-mirror", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.String(); got != version+"\n" {
		t.Errorf("version output = %q, want %q", got, version+"\n")
	}
}

// ---------------------------------------------------------------------------
// flag binding
// ---------------------------------------------------------------------------

func TestSetup_FlagsOverrideDefaults(t *testing.T) {
	a := newApp()
	root := a.rootCmd()
	root.SetOut(&bytes.Buffer{})
	dir := t.TempDir()
	root.SetArgs([]string{"--raw-input-dir", dir, "--workers", "3", "--limit-subjects", "5", "version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	cfg, _, err := a.setup()
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.RawInputDir != dir {
		t.Errorf("RawInputDir = %q, want %q", cfg.RawInputDir, dir)
	}
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Workers)
	}
	if cfg.LimitSubjects != 5 {
		t.Errorf("LimitSubjects = %d, want 5", cfg.LimitSubjects)
	}
	if want := filepath.Join("output", "pre_MEDS"); cfg.PreMEDSDir != want {
		t.Errorf("PreMEDSDir = %q, want %q", cfg.PreMEDSDir, want)
	}
}

func TestSetup_UnsetFlagsKeepDefaults(t *testing.T) {
	a := newApp()
	root := a.rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	cfg, _, err := a.setup()
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d, want default 1", cfg.Workers)
	}
	if cfg.DBSchema != "public" {
		t.Errorf("DBSchema = %q, want public", cfg.DBSchema)
	}
}

func TestSetup_InvalidConfig(t *testing.T) {
	a := newApp()
	root := a.rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--workers", "0", "version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, _, err := a.setup(); err == nil {
		t.Error("expected validation error for workers=0")
	}
}

func TestWithoutVisit(t *testing.T) {
	got := withoutVisit([]string{"condition_occurrence", "visit_occurrence", "measurement"})
	want := []string{"condition_occurrence", "measurement"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("withoutVisit = %v, want %v", got, want)
	}
}
