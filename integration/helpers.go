//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
)

// testEnv is an isolated set of engine directories and a config pointing at them
type testEnv struct {
	Dir        string
	ConfigPath string
	AuditDir   string
	StateDir   string
}

// newTestEnv writes a config whose audit log and state live under a temp dir
func newTestEnv(t *testing.T, extra string) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		Dir:        dir,
		ConfigPath: filepath.Join(dir, "config.toml"),
		AuditDir:   filepath.Join(dir, "audit"),
		StateDir:   filepath.Join(dir, "state"),
	}

	config := `[general]
pipeline_id = "integration"
audit_dir = "` + env.AuditDir + `"
state_dir = "` + env.StateDir + `"

[audit]
hash = "sha256"

[gates]
enabled = true
timeout = "2m"

[notifications]
desktop = false
` + extra

	if err := os.WriteFile(env.ConfigPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return env
}

// AuditPath is the log the configured pipeline writes
func (e testEnv) AuditPath() string {
	return filepath.Join(e.AuditDir, "integration.jsonl")
}

// StorePath is the snapshot database of the environment
func (e testEnv) StorePath() string {
	return filepath.Join(e.StateDir, "runs.db")
}

// InboxDir is where decisions for the environment are dropped
func (e testEnv) InboxDir() string {
	return filepath.Join(e.StateDir, "inbox")
}
