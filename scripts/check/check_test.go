package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{123 * time.Millisecond, "123ms"},
		{1500 * time.Millisecond, "1.50s"},
		{95 * time.Second, "1m35s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestCheckByName(t *testing.T) {
	for _, name := range checkNames() {
		if checkByName(name) == nil {
			t.Errorf("check %q not found by its own name", name)
		}
	}
	if checkByName("GOFMT") == nil {
		t.Error("lookup should ignore case")
	}
	if checkByName("prettier") != nil {
		t.Error("unexpected check prettier")
	}
}

func TestIsModuleRoot(t *testing.T) {
	dir := t.TempDir()
	if isModuleRoot(dir) {
		t.Error("empty dir is not a module root")
	}

	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/other\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if isModuleRoot(dir) {
		t.Error("another module is not the mailsync root")
	}

	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module github.com/vdavid/mailsync\n\ngo 1.25.4\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !isModuleRoot(dir) {
		t.Error("expected the mailsync go.mod to mark the root")
	}
}

func TestIndentOutput(t *testing.T) {
	got := indentOutput("a\n\n  \nb\n", "  ")
	if got != "  a\n  b\n" {
		t.Errorf("indentOutput = %q", got)
	}
}

func TestNonEmptyLines(t *testing.T) {
	got := nonEmptyLines(" x.go \n\ny.go\n")
	if len(got) != 2 || got[0] != "x.go" || got[1] != "y.go" {
		t.Errorf("nonEmptyLines = %q", got)
	}
}
