package dhcpproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"grimm.is/dhcpagent/internal/logging"
)

// Dnsmasq runs one external dnsmasq per network, entered into the network's
// namespace with "ip netns exec".
//
// SIGHUP makes dnsmasq re-read dhcp-hostsfile and dhcp-optsfile. Changes to
// the main file (ranges, listen addresses) are only read at startup, so they
// report ErrReloadUnsupported and the controller restarts the server.
type Dnsmasq struct {
	binary      string
	startGrace  time.Duration
	stopTimeout time.Duration
	log         *logging.Logger

	mu       sync.Mutex
	children map[int]chan struct{} // closed when the child exits
}

// NewDnsmasq returns a driver running binary (default "dnsmasq").
func NewDnsmasq(binary string) *Dnsmasq {
	if binary == "" {
		binary = "dnsmasq"
	}
	return &Dnsmasq{
		binary:      binary,
		startGrace:  300 * time.Millisecond,
		stopTimeout: 5 * time.Second,
		log:         logging.WithComponent("dhcp"),
		children:    make(map[int]chan struct{}),
	}
}

func (d *Dnsmasq) Name() string {
	return DriverDnsmasq
}

func (d *Dnsmasq) command(l Launch) (string, []string) {
	args := []string{
		"--conf-file=" + l.ConfigPath(),
		"--pid-file=" + l.PIDPath(),
		"--keep-in-foreground",
	}
	if l.Namespace == "" {
		return d.binary, args
	}
	return "ip", append([]string{"netns", "exec", l.Namespace, d.binary}, args...)
}

// Start spawns the server and waits a short grace period so that immediate
// failures (bad config, address in use) are reported to the caller.
func (d *Dnsmasq) Start(ctx context.Context, l Launch) (Handle, error) {
	name, args := d.command(l)
	// Not CommandContext: the server outlives the reconciliation call.
	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Own process group so terminal signals aimed at the agent do not
	// reach the servers.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("spawn %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
		d.mu.Lock()
		delete(d.children, pid)
		d.mu.Unlock()
	}()
	d.mu.Lock()
	d.children[pid] = done
	d.mu.Unlock()

	select {
	case <-done:
		return Handle{}, fmt.Errorf("%s exited during startup: %v: %s", d.binary, waitErr, strings.TrimSpace(stderr.String()))
	case <-ctx.Done():
		_ = unix.Kill(pid, unix.SIGKILL)
		return Handle{}, ctx.Err()
	case <-time.After(d.startGrace):
	}

	return Handle{ID: uuid.NewString(), PID: pid}, nil
}

func (d *Dnsmasq) Reload(ctx context.Context, h Handle, l Launch, scope ReloadScope) error {
	if scope.Config {
		return ErrReloadUnsupported
	}
	if !d.Alive(h) {
		return fmt.Errorf("pid %d is not running", h.PID)
	}
	if err := unix.Kill(h.PID, unix.SIGHUP); err != nil {
		return fmt.Errorf("signal pid %d: %w", h.PID, err)
	}
	return nil
}

// Stop sends SIGTERM and escalates to SIGKILL after the stop timeout.
func (d *Dnsmasq) Stop(ctx context.Context, h Handle) error {
	if h.PID <= 0 || !d.Alive(h) {
		return nil
	}
	if err := unix.Kill(h.PID, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", h.PID, err)
	}
	if d.waitExit(ctx, h, d.stopTimeout) {
		return nil
	}

	d.log.Warn("server ignored SIGTERM, killing", "pid", h.PID)
	if err := unix.Kill(h.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill pid %d: %w", h.PID, err)
	}
	if !d.waitExit(ctx, h, d.stopTimeout) {
		return fmt.Errorf("pid %d did not exit", h.PID)
	}
	return nil
}

func (d *Dnsmasq) waitExit(ctx context.Context, h Handle, timeout time.Duration) bool {
	d.mu.Lock()
	done, child := d.children[h.PID]
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	if child {
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !d.Alive(h) {
			return true
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return !d.Alive(h)
		case <-ctx.Done():
			return false
		}
	}
}

func (d *Dnsmasq) Alive(h Handle) bool {
	if h.PID <= 0 {
		return false
	}
	d.mu.Lock()
	done, child := d.children[h.PID]
	d.mu.Unlock()
	if child {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	err := unix.Kill(h.PID, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Adopt reads the pid file and accepts the process if it is alive and its
// command line references this network's config file.
func (d *Dnsmasq) Adopt(l Launch) (Handle, bool) {
	data, err := os.ReadFile(l.PIDPath())
	if err != nil {
		return Handle{}, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return Handle{}, false
	}
	h := Handle{ID: uuid.NewString(), PID: pid}
	if !d.Alive(h) {
		return Handle{}, false
	}
	if cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		if !bytes.Contains(cmdline, []byte(l.ConfigPath())) {
			return Handle{}, false
		}
	}
	return h, true
}
