//go:build !linux

package health

import (
	"context"

	"grimm.is/dhcpagent/internal/clock"
)

// CheckNetlink is unavailable off Linux.
func CheckNetlink(prefix string) CheckFunc {
	return func(ctx context.Context) Check {
		return Check{
			Status:      StatusDegraded,
			Message:     "netlink unsupported on this OS (stubbed)",
			LastChecked: clock.Now(),
		}
	}
}

// CheckMemory verifies memory is available.
func CheckMemory(ctx context.Context) Check {
	return Check{
		Status:      StatusHealthy,
		Message:     "memory check unsupported on this OS (stubbed)",
		LastChecked: clock.Now(),
	}
}
