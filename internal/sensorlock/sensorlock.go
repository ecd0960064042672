// Package sensorlock evicts processes holding an imaging sensor's
// device node so a pipeline transitioning into preview gets a clean
// acquire. Leftover capture processes from a crashed session are the
// usual culprit on V4L2 devices.
package sensorlock

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// defaultGrace is the pause between SIGTERM and SIGKILL.
const defaultGrace = 400 * time.Millisecond

// Guard clears holders of one sensor's device node. It is owned by the
// video pipeline driving that sensor and logs through the pipeline's
// logger, so evictions are attributed to the sensor that requested
// them. A nil logger is allowed.
type Guard struct {
	device string
	grace  time.Duration
	log    *zap.SugaredLogger
}

// New builds a Guard for device with the default SIGTERM-to-SIGKILL
// grace period.
func New(device string, log *zap.SugaredLogger) *Guard {
	return &Guard{device: device, grace: defaultGrace, log: log}
}

// SetGrace overrides the pause between SIGTERM and SIGKILL; tests use
// a short one.
func (g *Guard) SetGrace(d time.Duration) { g.grace = d }

// Clear terminates any process holding the guarded device node,
// escalating from SIGTERM to SIGKILL for survivors of the grace
// period. Returns true if any holder was found and signalled.
func (g *Guard) Clear() bool {
	pids := g.holders()
	if len(pids) == 0 {
		return false
	}

	if g.log != nil {
		g.log.Infow("clearing sensor device holders", "device", g.device, "pids", pids)
	}

	g.signal(pids, syscall.SIGTERM)
	time.Sleep(g.grace)

	var survivors []int
	for _, pid := range pids {
		if pidAlive(pid) {
			survivors = append(survivors, pid)
		}
	}
	if len(survivors) > 0 {
		if g.log != nil {
			g.log.Warnw("holders survived SIGTERM, escalating", "device", g.device, "pids", survivors)
		}
		g.signal(survivors, syscall.SIGKILL)
	}

	return true
}

// signal delivers sig to each pid, falling back to a privileged
// fuser -k for the whole device if we lack permission to signal a
// holder directly.
func (g *Guard) signal(pids []int, sig syscall.Signal) {
	for _, pid := range pids {
		err := syscall.Kill(pid, sig)
		if err == nil {
			continue
		}
		if err == syscall.EPERM || err == syscall.EACCES {
			runCmd("sudo", "fuser", "-k", g.device)
			return
		}
		if g.log != nil {
			g.log.Warnw("signal failed", "device", g.device, "pid", pid, "signal", sig, "err", err)
		}
	}
}

var pidPattern = regexp.MustCompile(`\b(\d+)\b`)

// holders returns the sorted PIDs holding the device, excluding our
// own. lsof is authoritative; fuser catches holders on systems where
// lsof is absent or restricted.
func (g *Guard) holders() []int {
	seen := make(map[int]struct{})
	for _, out := range []string{runCmd("lsof", "-t", g.device), runCmd("fuser", "-v", g.device)} {
		for _, match := range pidPattern.FindAllString(out, -1) {
			if pid, err := strconv.Atoi(match); err == nil && pid > 0 && pid != os.Getpid() {
				seen[pid] = struct{}{}
			}
		}
	}

	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// runCmd executes a command with a 2-second timeout and returns trimmed
// stdout. Errors, including timeout, are silently swallowed: holder
// discovery is best-effort and must never block sensor start-up.
func runCmd(name string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
