package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureOutput redirects command output for the duration of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestRunCheck_ValidConfig(t *testing.T) {
	out := captureOutput(t)
	configPath := writeFile(t, t.TempDir(), "valid.hcl", `
resync_interval = "45s"
dhcp_driver     = "builtin"

controller {
  providers = ["http://10.0.0.10:9696", "https://10.0.0.11:9696"]
  token     = "secret"
}
`)

	if err := RunCheck(configPath, false); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}
	for _, want := range []string{"Configuration valid!", "controller", "builtin", "45s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunCheck_Verbose(t *testing.T) {
	out := captureOutput(t)
	dir := t.TempDir()
	configPath := writeFile(t, dir, "agent.hcl", `
controller {
  network_file = "`+filepath.Join(dir, "networks.yaml")+`"
}
`)

	if err := RunCheck(configPath, true); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}
	// defaults are part of the effective configuration
	for _, want := range []string{"Effective configuration", `interface_driver`, `"veth"`, "network_file"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	captureOutput(t)
	dir := t.TempDir()

	tests := map[string]string{
		"syntax.hcl": `
controller {
    # Missing closing brace
`,
		"semantic.hcl": `
interface_driver = "macvtap"

controller {
  providers = ["ftp://10.0.0.10"]
}
`,
		"nosource.hcl": `workers = 2`,
	}
	for name, content := range tests {
		path := writeFile(t, dir, name, content)
		if err := RunCheck(path, false); err == nil {
			t.Errorf("RunCheck(%s) error = nil, want error", name)
		}
	}
}

func TestRunCheck_NoFile(t *testing.T) {
	if err := RunCheck("", false); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("RunCheck(\"\") error = %v, want usage", err)
	}
	if err := RunCheck(filepath.Join(t.TempDir(), "absent.hcl"), false); err == nil {
		t.Error("RunCheck() on a missing file returned nil")
	}
}
