package proc

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog/log"
)

// ScriptRunner invokes the host's helper scripts. These handle the pieces a
// service process cannot do portably: removing netsh port-proxy mappings,
// deleting profiles that Windows keeps file handles on, and killing sessions
// that live in another login session. All invocations are fire-and-forget.
type ScriptRunner struct {
	dir string
	// windowsOnly scripts are skipped elsewhere; overridable in tests
	goos string
}

// NewScriptRunner returns a runner over the given scripts directory.
func NewScriptRunner(dir string) *ScriptRunner {
	return &ScriptRunner{dir: dir, goos: runtime.GOOS}
}

// CleanupPort removes the port-proxy mapping for a released debug port.
// Windows only; a no-op elsewhere.
func (s *ScriptRunner) CleanupPort(port int) {
	if s.goos != "windows" {
		return
	}
	s.fire("cleanup_port.bat", strconv.Itoa(port))
}

// CleanupProfile deletes a profile directory out-of-process. Windows only;
// callers on other platforms remove the directory themselves.
func (s *ScriptRunner) CleanupProfile(profileDir string) {
	if s.goos != "windows" {
		return
	}
	s.fire("cleanup_profile.bat", profileDir)
}

// CleanupExpiredSession hands a whole session teardown (kill + port-proxy +
// profile) to the helper script. Returns true when the script was started,
// in which case the caller only updates its own tracking.
func (s *ScriptRunner) CleanupExpiredSession(pid, port int, profileDir string) bool {
	if s.goos != "windows" {
		return false
	}
	args := []string{strconv.Itoa(pid), strconv.Itoa(port)}
	if profileDir != "" {
		args = append(args, profileDir)
	}
	return s.fire("cleanup_expired_session.bat", args...)
}

// CleanupOldProfiles sweeps profile directories under baseDir older than the
// given age. The helper deletes only p* and chrome_profile_* directories.
func (s *ScriptRunner) CleanupOldProfiles(baseDir string, maxAgeHours int) bool {
	if s.goos != "windows" {
		return false
	}
	return s.fire("cleanup_old_profiles.bat", baseDir, strconv.Itoa(maxAgeHours))
}

// fire starts a script detached with output discarded. Missing scripts are
// logged, never fatal.
func (s *ScriptRunner) fire(name string, args ...string) bool {
	script := filepath.Join(s.dir, name)
	if _, err := os.Stat(script); err != nil {
		log.Warn().Str("script", script).Msg("Helper script not found")
		return false
	}

	cmd := exec.Command(script, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		log.Warn().Err(err).Str("script", name).Msg("Failed to start helper script")
		return false
	}
	go cmd.Wait()

	log.Debug().Str("script", name).Strs("args", args).Msg("Started helper script")
	return true
}
