package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCmdRejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"extra"})
	if err := cmd.ExecuteContext(t.Context()); err == nil {
		t.Fatal("Execute() expected error for positional argument")
	}
}

func TestRootCmdMissingConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", missing, "--env", filepath.Join(t.TempDir(), "none.env")})
	err := cmd.ExecuteContext(t.Context())
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("Execute() error = %v, want read config failure", err)
	}
}
