package proc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/browserlauncher-go/internal/flags"
)

func skipShort(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping process test in short mode")
	}
}

func TestAttachSelf(t *testing.T) {
	h, err := Attach(os.Getpid())
	if err != nil {
		t.Fatalf("Attach to own PID failed: %v", err)
	}
	if h.PID() != os.Getpid() {
		t.Errorf("Expected PID %d, got %d", os.Getpid(), h.PID())
	}
	if h.CreateTime() == 0 {
		t.Error("Expected create time to be captured")
	}
	if !h.Running() {
		t.Error("Expected own process to be running")
	}
}

func TestAttachDeadProcess(t *testing.T) {
	skipShort(t)
	if runtime.GOOS == "windows" {
		t.Skip("Unix-only test")
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Failed to run helper: %v", err)
	}
	pid := cmd.Process.Pid

	if _, err := Attach(pid); err == nil {
		// PID may have been reused already; only fail when the attached
		// process is genuinely ours
		t.Logf("Attach to exited PID %d unexpectedly succeeded (likely PID reuse)", pid)
	}
}

func TestTerminateKillsTree(t *testing.T) {
	skipShort(t)
	if runtime.GOOS == "windows" {
		t.Skip("Unix-only test")
	}

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start helper: %v", err)
	}
	defer cmd.Wait()

	h, err := Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	h.cmd = cmd

	if !h.Terminate(context.Background()) {
		t.Error("Expected Terminate to report success")
	}

	time.Sleep(100 * time.Millisecond)
	if h.Running() {
		t.Error("Process still running after Terminate")
	}
}

func TestRunningSeesUnreapedChildAsDead(t *testing.T) {
	skipShort(t)
	if runtime.GOOS == "windows" {
		t.Skip("Unix-only test")
	}

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start helper: %v", err)
	}

	h, err := Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	h.cmd = cmd

	// Kill behind the handle's back and do not reap: the child sits as a
	// zombie, which must still read as dead.
	if err := cmd.Process.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Running() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if h.Running() {
		t.Fatal("Killed child still reported as running")
	}

	code, ok := h.ExitCode()
	if !ok {
		t.Fatal("Expected an exit code for an in-process launch")
	}
	if code == 0 {
		t.Errorf("Expected non-zero exit code for a killed process, got %d", code)
	}
}

func TestReadPIDFromStdout(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  int
	}{
		{"plain pid", "4242\n", 4242},
		{"pid with noise", "starting chrome...\n4242 ok\n", 4242},
		{"no pid", "no digits here\n", 0},
		{"empty", "", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := readPIDFromStdout(strings.NewReader(tc.input), 9222)
			if got != tc.want {
				t.Errorf("readPIDFromStdout(%q) = %d, want %d", tc.input, got, tc.want)
			}
		})
	}
}

func TestBuildArgs(t *testing.T) {
	mgr, err := flags.NewManager("", false)
	if err != nil {
		t.Fatalf("Flag manager failed: %v", err)
	}
	defer mgr.Close()

	l := NewLauncher("", mgr)
	args := l.buildArgs(LaunchSpec{
		Port:        9222,
		UserDataDir: "/tmp/chrome_profile_p9222",
		ProxyConfig: map[string]string{"server": "http://proxy:8080"},
		ChromeArgs:  []string{"--window-size=1280,720", "--no-sandbox"},
	})

	joined := strings.Join(args, " ")

	if args[0] != "--remote-debugging-port=9222" {
		t.Errorf("Expected debugging port first, got %q", args[0])
	}
	if args[1] != "--remote-debugging-address=0.0.0.0" {
		t.Errorf("Expected debugging address second, got %q", args[1])
	}
	if args[2] != "--user-data-dir=/tmp/chrome_profile_p9222" {
		t.Errorf("Expected user data dir third, got %q", args[2])
	}
	if !strings.Contains(joined, "--no-first-run") {
		t.Error("Expected hardening flags present")
	}
	if !strings.Contains(joined, "--proxy-server=http://proxy:8080") {
		t.Error("Expected proxy server flag")
	}
	if !strings.Contains(joined, "--proxy-bypass-list=<-loopback>;*.local") {
		t.Error("Expected default proxy bypass list")
	}
	if !strings.Contains(joined, "--window-size=1280,720") {
		t.Error("Expected safe caller arg passed through")
	}
	if strings.Count(joined, "--no-sandbox") != 0 {
		t.Error("Expected dangerous caller arg filtered out")
	}
}

func TestBuildArgsSkipsMissingExtensions(t *testing.T) {
	mgr, err := flags.NewManager("", false)
	if err != nil {
		t.Fatalf("Flag manager failed: %v", err)
	}
	defer mgr.Close()

	dir := t.TempDir()
	l := NewLauncher("", mgr)
	args := l.buildArgs(LaunchSpec{
		Port:        9222,
		UserDataDir: "/tmp/p",
		Extensions:  []string{dir, filepath.Join(dir, "does-not-exist")},
	})

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--load-extension="+dir) {
		t.Error("Expected existing extension loaded")
	}
	if strings.Contains(joined, "does-not-exist") {
		t.Error("Expected missing extension skipped")
	}
}

func TestScriptRunnerMissingScript(t *testing.T) {
	s := &ScriptRunner{dir: t.TempDir(), goos: "windows"}
	if s.CleanupExpiredSession(123, 9222, "") {
		t.Error("Expected false when script missing")
	}
}

func TestScriptRunnerNonWindowsNoop(t *testing.T) {
	s := NewScriptRunner(t.TempDir())
	if runtime.GOOS == "windows" {
		t.Skip("Non-Windows behavior")
	}
	if s.CleanupExpiredSession(123, 9222, "/tmp/p") {
		t.Error("Expected expired-session script to be Windows-only")
	}
	if s.CleanupOldProfiles("/tmp", 24) {
		t.Error("Expected old-profiles script to be Windows-only")
	}
	// No-ops must not panic
	s.CleanupPort(9222)
	s.CleanupProfile("/tmp/p")
}

func TestScriptRunnerFire(t *testing.T) {
	skipShort(t)
	if runtime.GOOS == "windows" {
		t.Skip("Uses a shell-script stand-in")
	}

	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	script := filepath.Join(dir, "cleanup_port.bat")
	content := "#!/bin/sh\necho \"$1\" > " + marker + "\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	s := &ScriptRunner{dir: dir, goos: "windows"}
	s.CleanupPort(9222)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(marker); err == nil {
			if strings.TrimSpace(string(data)) != "9222" {
				t.Errorf("Expected port argument 9222, got %q", strings.TrimSpace(string(data)))
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Helper script never ran")
}

func TestFindExecutableOverride(t *testing.T) {
	mgr, _ := flags.NewManager("", false)
	defer mgr.Close()

	if runtime.GOOS == "windows" {
		t.Skip("Permission bits are Unix-only")
	}

	dir := t.TempDir()
	fake := filepath.Join(dir, "chrome")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("Failed to write fake chrome: %v", err)
	}

	l := NewLauncher(fake, mgr)
	exe, err := l.findExecutable()
	if err != nil {
		t.Fatalf("findExecutable failed: %v", err)
	}
	if exe != fake {
		t.Errorf("Expected override %q, got %q", fake, exe)
	}
}
