package test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// buildForgeBinary compiles the CLI into the test directory.
func buildForgeBinary(t *testing.T) string {
	t.Helper()
	tmpBin := "./forge_test_bin"
	buildCmd := exec.Command("go", "build", "-o", tmpBin, "../../cmd/forge")
	if out, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build CLI: %v\n%s", err, string(out))
	}
	t.Cleanup(func() { os.Remove(tmpBin) })
	return tmpBin
}

// TestReleaseBinary validates the v0.1.0 deliverables: the binary
// builds, reports its version, and a health check against a
// self-contained config exits zero.
func TestReleaseBinary(t *testing.T) {
	tmpBin := buildForgeBinary(t)

	// 1. Version output carries the release number
	t.Log("Running 'forge version'...")
	out, err := exec.Command(tmpBin, "version").CombinedOutput()
	if err != nil {
		t.Fatalf("version failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "0.1.0") {
		t.Errorf("FAIL: version output missing 0.1.0: %s", out)
	}

	// 2. Health check needs no external services with this config
	cfgPath := filepath.Join(t.TempDir(), "forge.yaml")
	cfg := `service: forge-release
listen: "127.0.0.1:0"
model:
  backend: none
knowledge:
  in_memory: true
telemetry:
  trace_exporter: none
  metric_exporter: none
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Log("Running 'forge health'...")
	healthCmd := exec.Command(tmpBin, "health", "-c", cfgPath)
	healthOut, err := healthCmd.CombinedOutput()
	if err != nil {
		t.Fatalf("FAIL: health check exited non-zero: %v\n%s", err, healthOut)
	}
	if !strings.Contains(string(healthOut), "Overall") {
		t.Errorf("FAIL: health report missing overall verdict:\n%s", healthOut)
	}
	t.Log("SUCCESS: health check passed against knowledge-only config")
}

// TestReleaseRejectsBadConfig ensures a malformed config file is a
// startup error, not a silently defaulted run.
func TestReleaseRejectsBadConfig(t *testing.T) {
	tmpBin := buildForgeBinary(t)

	cfgPath := filepath.Join(t.TempDir(), "forge.yaml")
	if err := os.WriteFile(cfgPath, []byte("listen: [[\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := exec.Command(tmpBin, "health", "-c", cfgPath)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("FAIL: expected non-zero exit for malformed config.\nOutput: %s", out)
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("health did not run: %v", err)
	}
	if exitErr.ExitCode() != 1 {
		t.Errorf("expected exit code 1, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(strings.ToLower(string(out)), "config") {
		t.Errorf("error output does not mention the config:\n%s", out)
	}
}
