// Package proc supervises Chrome processes: spawning them directly or
// through a delegated launcher script, watching liveness, and tearing down
// whole process trees without falling for PID reuse.
package proc

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	// killWait bounds how long a kill is given to take effect. Chrome can
	// drag 20+ child processes down with it.
	killWait = 10 * time.Second

	// createTimeSlack is the tolerated clock difference when matching a
	// stored create time against the live process, in milliseconds.
	createTimeSlack = 1000
)

// Handle is a supervised Chrome process. For in-process launches cmd is the
// spawned command; for delegated launches only the gopsutil view exists,
// since the real parent lives in another login session.
type Handle struct {
	pid        int
	createTime int64 // ms since epoch, 0 if unknown
	proc       *process.Process
	cmd        *exec.Cmd
	reapOnce   sync.Once
}

// Attach builds a handle around an already-running PID.
func Attach(pid int) (*Handle, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	h := &Handle{pid: pid, proc: p}
	if ct, err := p.CreateTime(); err == nil {
		h.createTime = ct
	} else {
		log.Warn().Int("pid", pid).Msg("Could not capture create_time for process")
	}
	return h, nil
}

// PID returns the Chrome process id.
func (h *Handle) PID() int { return h.pid }

// CreateTime returns the process start time in ms since epoch, 0 if it could
// not be captured.
func (h *Handle) CreateTime() int64 { return h.createTime }

// Running reports whether the process is still alive. A PID match alone is
// not enough: an in-process child that died stays visible as a zombie until
// reaped, and a reaped PID can be reused, so the status and the stored
// create time are rechecked.
func (h *Handle) Running() bool {
	exists, err := process.PidExists(int32(h.pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcess(int32(h.pid))
	if err != nil {
		return false
	}
	if isZombie(p) {
		return false
	}
	if h.createTime == 0 {
		return true
	}
	ct, err := p.CreateTime()
	if err != nil {
		return true
	}
	return absDiff(ct, h.createTime) <= createTimeSlack
}

// isZombie reports whether the process has exited but not been reaped yet.
func isZombie(p *process.Process) bool {
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

// Terminate kills the whole process tree and waits for it to disappear.
// Returns true when the process is verifiably gone.
func (h *Handle) Terminate(ctx context.Context) bool {
	killed := killTree(ctx, h.pid)
	if h.cmd != nil && h.cmd.Process != nil {
		// Reap the zombie for in-process launches
		go h.reap()
	}
	return killed
}

// ExitCode reaps an in-process launch that has already exited and returns
// its exit code. Only call once Running() is false: reaping a live process
// blocks. Delegated launches have no observable exit code.
func (h *Handle) ExitCode() (int, bool) {
	if h.cmd == nil {
		return 0, false
	}
	h.reap()
	if h.cmd.ProcessState == nil {
		return 0, false
	}
	return h.cmd.ProcessState.ExitCode(), true
}

func (h *Handle) reap() {
	h.reapOnce.Do(func() { h.cmd.Wait() })
}

// killTree force-kills pid and all descendants, then polls until the PID is
// gone or the wait budget runs out.
func killTree(ctx context.Context, pid int) bool {
	if runtime.GOOS == "windows" {
		return killTreeWindows(ctx, pid)
	}
	return killTreeUnix(ctx, pid)
}

// killTreeWindows uses taskkill /T, the one reliable way to take Chrome and
// all its children down on Windows.
func killTreeWindows(ctx context.Context, pid int) bool {
	killCtx, cancel := context.WithTimeout(ctx, killWait)
	defer cancel()

	cmd := exec.CommandContext(killCtx, "taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
	if err := cmd.Run(); err != nil {
		if killCtx.Err() != nil {
			log.Warn().Int("pid", pid).Msg("taskkill timeout after 10s")
			return false
		}
		log.Error().Err(err).Int("pid", pid).Msg("Failed to kill process")
	}

	time.Sleep(200 * time.Millisecond)
	if exists, _ := process.PidExists(int32(pid)); exists {
		log.Warn().Int("pid", pid).Msg("Process still alive after taskkill")
		return false
	}
	log.Debug().Int("pid", pid).Msg("Killed process tree")
	return true
}

// killTreeUnix kills children bottom-up, then the parent, then polls with
// backoff until everything is gone.
func killTreeUnix(ctx context.Context, pid int) bool {
	parent, err := process.NewProcess(int32(pid))
	if err != nil {
		return true // already dead
	}
	for _, child := range descendants(parent) {
		if err := child.Kill(); err != nil {
			log.Debug().Err(err).Int32("pid", child.Pid).Msg("Child kill failed")
		}
	}
	if err := parent.Kill(); err != nil {
		if exists, _ := process.PidExists(int32(pid)); !exists {
			return true
		}
		log.Error().Err(err).Int("pid", pid).Msg("Failed to kill process")
		return false
	}

	interval := 200 * time.Millisecond
	start := time.Now()
	for time.Since(start) < killWait {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
		if exists, _ := process.PidExists(int32(pid)); !exists {
			log.Debug().
				Int("pid", pid).
				Dur("elapsed", time.Since(start)).
				Msg("Killed process tree")
			return true
		}
		interval = min(time.Duration(float64(interval)*1.5), time.Second)
	}

	log.Warn().Int("pid", pid).Dur("waited", killWait).Msg("Process still alive after kill")
	return false
}

// descendants walks the child tree depth-first.
func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	all := make([]*process.Process, 0, len(children))
	for _, c := range children {
		all = append(all, descendants(c)...)
		all = append(all, c)
	}
	return all
}

// AggressiveKill is the last resort when a normal terminate left the PID
// alive. Before touching the process it verifies identity: the stored
// create time must match within a second, or failing that the process must
// look like our Chrome (name prefix plus the exact debugging-port flag).
// Returns true when the process is gone afterwards.
func AggressiveKill(ctx context.Context, pid int, storedCreateTime int64, debugPort int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return true // already gone
	}

	if storedCreateTime != 0 {
		ct, err := p.CreateTime()
		if err == nil && absDiff(ct, storedCreateTime) > createTimeSlack {
			log.Warn().
				Int("pid", pid).
				Int64("diff_ms", absDiff(ct, storedCreateTime)).
				Msg("PID create_time changed - skipping aggressive kill to avoid PID-reuse race")
			return false
		}
	} else if !looksLikeOurChrome(p, debugPort) {
		log.Warn().
			Int("pid", pid).
			Msg("No stored create_time and identity guards failed - skipping aggressive kill")
		return false
	}

	for _, child := range descendants(p) {
		child.Kill()
	}
	if err := p.Kill(); err != nil {
		log.Warn().Err(err).Int("pid", pid).Msg("Aggressive kill failed")
	}

	time.Sleep(500 * time.Millisecond)
	if exists, _ := process.PidExists(int32(pid)); !exists {
		log.Info().Int("pid", pid).Msg("Aggressive kill succeeded")
		return true
	}
	return false
}

// looksLikeOurChrome checks name and command line when no create time was
// stored for the session.
func looksLikeOurChrome(p *process.Process, debugPort int) bool {
	name, err := p.Name()
	if err != nil {
		return false
	}
	name = strings.ToLower(name)
	if !strings.HasPrefix(name, "chrome") && !strings.HasPrefix(name, "msedge") {
		return false
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return false
	}
	return strings.Contains(cmdline, "--remote-debugging-port="+strconv.Itoa(debugPort))
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
