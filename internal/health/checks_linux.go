//go:build linux

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/vishvananda/netlink"

	"grimm.is/dhcpagent/internal/clock"
)

// CheckNetlink verifies the agent can talk to the kernel's link layer and
// reports how many of its host-side interfaces are up.
func CheckNetlink(prefix string) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{LastChecked: start}

		links, err := netlink.LinkList()
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("netlink failed: %v", err)
		} else {
			up, total := 0, 0
			for _, link := range links {
				if prefix != "" && !strings.HasPrefix(link.Attrs().Name, prefix) {
					continue
				}
				total++
				if link.Attrs().Flags&net.FlagUp != 0 {
					up++
				}
			}
			check.Status = StatusHealthy
			check.Message = fmt.Sprintf("%d/%d agent interfaces up", up, total)
		}

		check.Duration = time.Since(start)
		return check
	}
}

// CheckMemory verifies memory is available.
func CheckMemory(ctx context.Context) Check {
	start := clock.Now()
	check := Check{LastChecked: start}

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("cannot read meminfo: %v", err)
	} else {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				check.Status = StatusHealthy
				check.Message = strings.Join(strings.Fields(line), " ")
				break
			}
		}
		if check.Status == "" {
			check.Status = StatusHealthy
			check.Message = "memory info available"
		}
	}

	check.Duration = time.Since(start)
	return check
}
