//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../are",
		"./are",
		filepath.Join(os.Getenv("GOPATH"), "bin", "are"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../are", "../cmd/are")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../are")
	return abs
}

func are(t *testing.T, env testEnv, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), append([]string{"--config", env.ConfigPath, "--log-level", "error"}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// waitForOpenGate polls "are status" until the run waits on a gate, or finishes
func waitForOpenGate(t *testing.T, env testEnv) domain.PipelineRun {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		out, err := are(t, env, "status")
		if err == nil && strings.HasPrefix(strings.TrimSpace(out), "{") {
			var run domain.PipelineRun
			if err := json.Unmarshal([]byte(out), &run); err != nil {
				t.Fatalf("status output: %v\n%s", err, out)
			}
			if run.OpenGate != nil || !run.Status.IsActive() {
				return run
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a gate")
	return domain.PipelineRun{}
}

func TestCLI_RunWithApprovals(t *testing.T) {
	env := newTestEnv(t, "")
	var stdout bytes.Buffer
	run := exec.Command(binaryPath(t), "--config", env.ConfigPath, "--log-level", "error",
		"run", "--seed", "7", "--inputs", `{"title": "Integration", "records": [{"x": 1}, {"x": 2}]}`)
	run.Stdout = &stdout
	if err := run.Start(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	defer run.Process.Kill()

	approved := map[string]bool{}
	for len(approved) < 4 {
		snap := waitForOpenGate(t, env)
		if !snap.Status.IsActive() {
			t.Fatalf("run ended early: %+v", snap.Failure)
		}
		if approved[snap.OpenGate.ID] {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		out, err := are(t, env, "approve", snap.OpenGate.ID, "--role", "admin", "--rationale", "integration")
		if err != nil {
			t.Fatalf("approve: %v\n%s", err, out)
		}
		approved[snap.OpenGate.ID] = true
	}

	if err := run.Wait(); err != nil {
		t.Fatalf("run failed: %v\n%s", err, stdout.String())
	}
	var result struct {
		Success bool  `json:"success"`
		Seed    int64 `json:"seed"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("result output: %v\n%s", err, stdout.String())
	}
	if !result.Success || result.Seed != 7 {
		t.Errorf("result = %+v", result)
	}

	out, err := are(t, env, "audit", "--verify-only")
	if err != nil || !strings.Contains(out, `"valid": true`) {
		t.Errorf("audit: %v\n%s", err, out)
	}
	out, err = are(t, env, "runs")
	if err != nil || !strings.Contains(out, "completed") {
		t.Errorf("runs: %v\n%s", err, out)
	}

	applied, _ := filepath.Glob(filepath.Join(env.InboxDir(), "*.applied"))
	if len(applied) != 4 {
		t.Errorf("applied decisions = %d, want 4", len(applied))
	}
}

func TestCLI_RunRejected(t *testing.T) {
	env := newTestEnv(t, "")
	run := exec.Command(binaryPath(t), "--config", env.ConfigPath, "--log-level", "error", "run", "--seed", "1")
	if err := run.Start(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	defer run.Process.Kill()

	snap := waitForOpenGate(t, env)
	if snap.OpenGate == nil {
		t.Fatalf("no gate opened: %+v", snap)
	}
	if out, err := are(t, env, "approve", snap.OpenGate.ID, "--role", "viewer"); err == nil {
		t.Errorf("viewer should not outrank %s: %s", snap.OpenGate.RequiredRole, out)
	}
	if out, err := are(t, env, "approve", snap.OpenGate.ID, "--role", "lead", "--reject", "--rationale", "unsupported"); err != nil {
		t.Fatalf("reject: %v\n%s", err, out)
	}

	if err := run.Wait(); err == nil {
		t.Error("a rejected run should exit non-zero")
	}
	out, err := are(t, env, "status")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	var final domain.PipelineRun
	json.Unmarshal([]byte(out), &final)
	if final.Status != domain.RunFailed || final.Failure == nil || final.Failure.Kind != domain.FailureGateRejected {
		t.Errorf("final = %+v", final)
	}
}

func TestCLI_Demo(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := are(t, env, "demo", "--seed", "42")
	if err != nil {
		t.Fatalf("demo: %v\n%s", err, out)
	}
	var report struct {
		Result struct {
			Success bool `json:"success"`
		} `json:"result"`
		ChainValid bool `json:"chain_valid"`
		Gates      struct {
			AutoApproved int `json:"auto_approved"`
		} `json:"gate_report"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("demo output: %v\n%s", err, out)
	}
	if !report.Result.Success || !report.ChainValid || report.Gates.AutoApproved != 4 {
		t.Errorf("report = %+v", report)
	}
	if _, err := os.Stat(env.AuditPath()); !os.IsNotExist(err) {
		t.Error("demo must not write the configured audit log")
	}
}

func TestCLI_AuditAfterRun(t *testing.T) {
	env := newTestEnv(t, "")
	for i := 1; i <= 2; i++ {
		out, err := are(t, env, "audit", "--after-run", "--verify-only")
		if err != nil {
			t.Fatalf("audit --after-run #%d: %v\n%s", i, err, out)
		}
		var result struct {
			Valid bool `json:"valid"`
		}
		if err := json.Unmarshal([]byte(out), &result); err != nil || !result.Valid {
			t.Fatalf("verification #%d = %s", i, out)
		}
	}

	records, err := os.ReadFile(env.AuditPath())
	if err != nil {
		t.Fatal(err)
	}
	if n := bytes.Count(records, []byte(`"event_type":"pipeline_completed"`)); n != 2 {
		t.Errorf("completed runs in log = %d, want 2", n)
	}
}

func TestCLI_StatusWithoutRuns(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := are(t, env, "status")
	if err != nil || !strings.Contains(out, "No runs recorded yet") {
		t.Errorf("status: %v\n%s", err, out)
	}
}

func TestCLI_InvalidCommand(t *testing.T) {
	binary := binaryPath(t)

	cmd := exec.Command(binary, "invalidcommand")
	out, err := cmd.CombinedOutput()

	if err == nil {
		t.Error("Expected error for invalid command")
	}
	output := string(out)
	if !strings.Contains(output, "unknown command") && !strings.Contains(output, "Usage") {
		t.Errorf("Expected error message or usage info, got: %s", output)
	}
}
