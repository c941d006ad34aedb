//go:build test

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func indexOf(s, sub string) int {
	return strings.Index(s, sub)
}

// writeConfig writes a YAML config file into a temp dir and returns its path
func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gattctl.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}
