// Package testutil holds helpers shared by tests that touch the real kernel.
package testutil

import (
	"os"
	"testing"

	"grimm.is/dhcpagent/internal/brand"
)

// VMTestEnv enables tests that create namespaces and links on the host.
var VMTestEnv = brand.ConfigEnvPrefix + "_VM_TEST"

// RequireVM skips the test unless VMTestEnv is set and the test runs as
// root. Such tests create and delete real namespaces and interfaces, so
// they are only run inside a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv(VMTestEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", VMTestEnv)
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
