package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

const (
	// stdout PID capture: the launcher script prints the Chrome PID, read
	// in small chunks so a chatty script cannot stall us.
	stdoutChunkSize = 128
	stdoutReadTries = 8
	stdoutReadPause = 250 * time.Millisecond

	// fallback scan of the kernel TCP table when no PID came via stdout
	pidScanDeadline = 8 * time.Second
	pidScanInterval = 250 * time.Millisecond
)

// DelegatedLauncher starts Chrome through an external launcher script that
// runs it inside an interactive login session (headful Chrome on a Windows
// host needs a real desktop). The script receives the debug port and the
// machine IP and prints the Chrome PID on stdout.
type DelegatedLauncher struct {
	scriptPath string
}

// NewDelegatedLauncher returns a launcher invoking the given script.
func NewDelegatedLauncher(scriptPath string) *DelegatedLauncher {
	return &DelegatedLauncher{scriptPath: scriptPath}
}

// Launch runs the launcher script and resolves the Chrome PID: first from
// the script's stdout, then by scanning the TCP table for the port's
// listener. The resolved process must actually be Chrome.
func (d *DelegatedLauncher) Launch(ctx context.Context, port int, machineIP string) (*Handle, error) {
	if _, err := os.Stat(d.scriptPath); err != nil {
		log.Warn().Str("cmd", d.scriptPath).Msg("Chrome launcher script not found")
		return nil, fmt.Errorf("%w: launcher script missing: %s", types.ErrLaunchFailed, d.scriptPath)
	}

	cmd := exec.CommandContext(ctx, "cmd.exe", "/c", d.scriptPath, strconv.Itoa(port), machineIP)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLaunchFailed, err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLaunchFailed, err)
	}
	// The script exits once Chrome is detached; reap it in the background.
	go cmd.Wait()

	pid := readPIDFromStdout(stdout, port)
	stdout.Close()

	if pid == 0 {
		log.Debug().Int("port", port).Msg("No PID on launcher stdout, scanning TCP table")
		pid = d.waitPIDByPort(ctx, port)
	}
	if pid == 0 {
		return nil, fmt.Errorf("%w: no chrome process on port %d after %s", types.ErrPIDNotFound, port, pidScanDeadline)
	}

	h, err := Attach(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: chrome process %d terminated immediately", types.ErrLaunchFailed, pid)
	}

	name, err := h.proc.Name()
	if err != nil || !strings.Contains(strings.ToLower(name), "chrome") {
		return nil, fmt.Errorf("%w: found non-chrome process %q on port %d", types.ErrLaunchFailed, name, port)
	}

	log.Info().
		Int("pid", pid).
		Int("port", port).
		Msg("Attached to delegated Chrome process")
	return h, nil
}

// readPIDFromStdout pulls small chunks off the launcher's stdout for about
// two seconds and returns the first all-digit token.
func readPIDFromStdout(r interface{ Read([]byte) (int, error) }, port int) int {
	type readResult struct {
		n   int
		err error
	}

	var buf []byte
	chunk := make([]byte, stdoutChunkSize)

	for i := 0; i < stdoutReadTries; i++ {
		resCh := make(chan readResult, 1)
		go func() {
			n, err := r.Read(chunk)
			resCh <- readResult{n, err}
		}()

		select {
		case res := <-resCh:
			if res.n > 0 {
				buf = append(buf, chunk[:res.n]...)
				for _, token := range strings.Fields(string(buf)) {
					if pid, err := strconv.Atoi(token); err == nil && pid > 0 {
						log.Info().
							Int("pid", pid).
							Int("port", port).
							Msg("Captured Chrome PID from launcher stdout")
						return pid
					}
				}
			}
			if res.err != nil {
				return 0
			}
		case <-time.After(stdoutReadPause):
			// Reader goroutine is abandoned; the pipe close unblocks it.
			return 0
		}
	}
	return 0
}

// waitPIDByPort polls the TCP table until something listens on the port.
func (d *DelegatedLauncher) waitPIDByPort(ctx context.Context, port int) int {
	start := time.Now()
	for time.Since(start) < pidScanDeadline {
		if pid := FindPIDByPort(port); pid != 0 {
			log.Info().
				Int("pid", pid).
				Int("port", port).
				Dur("took", time.Since(start)).
				Msg("Found Chrome PID via TCP table")
			return pid
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(pidScanInterval):
		}
	}
	return 0
}

// FindPIDByPort returns the PID listening on the given local TCP port, or 0.
func FindPIDByPort(port int) int {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		log.Debug().Err(err).Msg("TCP table lookup failed")
		return 0
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) && c.Pid > 0 {
			return int(c.Pid)
		}
	}
	return 0
}

// PortHasLiveChrome reports whether the port's listener exists and is a
// Chrome process. Used by cleanup when registry state and OS state disagree.
func PortHasLiveChrome(port int) bool {
	pid := FindPIDByPort(port)
	if pid == 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	name, err := p.Name()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(name), "chrome")
}
