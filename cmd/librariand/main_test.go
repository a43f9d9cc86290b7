package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRejectsPositionalArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cmd := newCommand()
	cmd.SetArgs([]string{"--config", path, "unexpected"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected positional arguments to be rejected")
	}
}

func TestFlagsRegistered(t *testing.T) {
	cmd := newCommand()
	for _, name := range []string{"config", "log-level", "development", "no-api"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("missing flag %q", name)
		}
	}
	if !strings.HasPrefix(cmd.Use, "librariand") {
		t.Fatalf("unexpected use %q", cmd.Use)
	}
}
