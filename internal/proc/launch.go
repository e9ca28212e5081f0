package proc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	rodlauncher "github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserlauncher-go/internal/flags"
	"github.com/Rorqualx/browserlauncher-go/internal/security"
	"github.com/Rorqualx/browserlauncher-go/internal/types"
)

// LaunchSpec carries everything an in-process Chrome launch needs.
type LaunchSpec struct {
	Port        int
	UserDataDir string
	ProxyConfig map[string]string
	Extensions  []string
	ChromeArgs  []string
}

// Launcher spawns Chrome directly from this process.
type Launcher struct {
	browserPath string // explicit executable override, may be empty
	policy      *flags.Manager
}

// NewLauncher returns a launcher using the given executable override and
// flag policy.
func NewLauncher(browserPath string, policy *flags.Manager) *Launcher {
	return &Launcher{browserPath: browserPath, policy: policy}
}

// Launch builds the Chrome command line and spawns the process with output
// discarded. The returned handle has its create time captured for later
// PID-reuse guarding.
func (l *Launcher) Launch(spec LaunchSpec) (*Handle, error) {
	exe, err := l.findExecutable()
	if err != nil {
		return nil, err
	}

	args := l.buildArgs(spec)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLaunchFailed, err)
	}

	h, err := Attach(cmd.Process.Pid)
	if err != nil {
		// Process vanished between Start and Attach: treat as immediate exit
		go cmd.Wait()
		return nil, fmt.Errorf("%w: process exited immediately", types.ErrLaunchFailed)
	}
	h.cmd = cmd

	log.Info().
		Int("pid", h.pid).
		Int("port", spec.Port).
		Str("exe", exe).
		Msg("Chrome spawned")
	return h, nil
}

// buildArgs assembles the full argument list: debugging and profile flags,
// the hardening policy, sanitized proxy settings, verified extensions, and
// filtered caller arguments, in that order.
func (l *Launcher) buildArgs(spec LaunchSpec) []string {
	policy := l.policy.Policy()

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", spec.Port),
		"--remote-debugging-address=0.0.0.0",
		fmt.Sprintf("--user-data-dir=%s", spec.UserDataDir),
	}
	args = append(args, policy.HardeningFlags()...)

	if len(spec.ProxyConfig) > 0 {
		if server, ok := security.SanitizeProxyServer(spec.ProxyConfig["server"]); ok {
			args = append(args, "--proxy-server="+server)
		}
		if bypass, ok := security.SanitizeProxyBypassList(spec.ProxyConfig["bypass_list"]); ok {
			args = append(args, "--proxy-bypass-list="+bypass)
		}
	}

	for _, ext := range spec.Extensions {
		if _, err := os.Stat(ext); err == nil {
			args = append(args, "--load-extension="+ext)
		}
	}

	args = append(args, security.FilterChromeArgs(spec.ChromeArgs, policy.DenySet())...)
	return args
}

// findExecutable locates the Chrome binary: explicit override, well-known
// install paths, PATH lookup, and finally rod's cross-platform search.
func (l *Launcher) findExecutable() (string, error) {
	if l.browserPath != "" {
		if isExecutable(l.browserPath) {
			return l.browserPath, nil
		}
		log.Warn().
			Str("path", l.browserPath).
			Msg("Configured browser path is not executable, falling back to discovery")
	}

	for _, path := range wellKnownChromePaths() {
		if isExecutable(path) {
			log.Info().Str("path", path).Msg("Found Chrome")
			return path, nil
		}
	}

	for _, name := range []string{"google-chrome", "chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			log.Info().Str("path", path).Msg("Found Chrome in PATH")
			return path, nil
		}
	}

	if path, has := rodlauncher.LookPath(); has {
		log.Info().Str("path", path).Msg("Found Chrome via launcher lookup")
		return path, nil
	}

	return "", fmt.Errorf("%w on %s", types.ErrChromeNotFound, runtime.GOOS)
}

// wellKnownChromePaths returns the conventional install locations per OS.
func wellKnownChromePaths() []string {
	switch runtime.GOOS {
	case "windows":
		programFiles := os.Getenv("ProgramFiles")
		programFilesX86 := os.Getenv("ProgramFiles(x86)")
		localAppData := os.Getenv("LocalAppData")
		return []string{
			filepath.Join(programFiles, `Google\Chrome\Application\chrome.exe`),
			filepath.Join(programFilesX86, `Google\Chrome\Application\chrome.exe`),
			filepath.Join(localAppData, `Google\Chrome\Application\chrome.exe`),
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			filepath.Join(home, "Applications/Google Chrome.app/Contents/MacOS/Google Chrome"),
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/usr/local/bin/chrome",
			"/snap/bin/chromium",
			"/opt/google/chrome/google-chrome",
		}
	}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}
