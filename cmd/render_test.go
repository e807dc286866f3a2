package cmd

import (
	"strings"
	"testing"
)

const renderNetworks = `networks:
  - id: net-a
    enabled: true
    revision: "3"
    subnets:
      - id: sub-a
        cidr: 192.168.10.0/24
        gateway_ip: 192.168.10.1
        enable_dhcp: true
        dns_servers: [192.168.10.53]
        hosts:
          - mac: AA:BB:CC:00:00:01
            ip: 192.168.10.20
            hostname: db
  - id: net-b
    enabled: true
    subnets:
      - id: sub-b
        cidr: 192.168.20.0/24
        enable_dhcp: false
`

func TestRunRender(t *testing.T) {
	out := captureOutput(t)
	networks := writeFile(t, t.TempDir(), "networks.yaml", renderNetworks)

	if err := RunRender("", networks, "net-a"); err != nil {
		t.Fatalf("RunRender() error = %v", err)
	}
	got := out.String()
	for _, want := range []string{"# ---- dnsmasq.conf ----", "# ---- host ----", "# ---- opts ----", "interface=tap-net-a", "192.168.10.20", "# fingerprint "} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRunRender_NoService(t *testing.T) {
	out := captureOutput(t)
	networks := writeFile(t, t.TempDir(), "networks.yaml", renderNetworks)

	if err := RunRender("", networks, "net-b"); err != nil {
		t.Fatalf("RunRender() error = %v", err)
	}
	if !strings.Contains(out.String(), "needs no DHCP service") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestRunRender_Errors(t *testing.T) {
	captureOutput(t)
	networks := writeFile(t, t.TempDir(), "networks.yaml", renderNetworks)

	if err := RunRender("", networks, "net-z"); err == nil {
		t.Error("RunRender() for an unknown network returned nil")
	}
	if err := RunRender("", "", "net-a"); err == nil {
		t.Error("RunRender() without a network file returned nil")
	}
}
