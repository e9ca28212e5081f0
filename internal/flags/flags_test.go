package flags

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmbeddedPolicy(t *testing.T) {
	p := Get()

	if len(p.Hardening) == 0 {
		t.Fatal("Expected embedded hardening flags")
	}
	if len(p.Dangerous) == 0 {
		t.Fatal("Expected embedded dangerous flags")
	}

	for _, want := range []string{"--no-first-run", "--disable-extensions", "--disable-background-networking"} {
		found := false
		for _, f := range p.Hardening {
			if f == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected hardening flag %s", want)
		}
	}

	deny := p.DenySet()
	for _, want := range []string{"--no-sandbox", "--disable-web-security", "--remote-debugging-port", "--user-data-dir"} {
		if !deny[want] {
			t.Errorf("Expected deny set to contain %s", want)
		}
	}
}

func TestHardeningFlagsCopy(t *testing.T) {
	p := Get()
	a := p.HardeningFlags()
	a[0] = "--mutated"
	b := p.HardeningFlags()
	if b[0] == "--mutated" {
		t.Error("HardeningFlags must return a copy")
	}
}

func TestBuildDenySet(t *testing.T) {
	p := &Policy{Dangerous: []string{"--Load-Extension=/x", "--no-sandbox"}}
	p.buildDenySet()

	if !p.denySet["--load-extension"] {
		t.Error("Expected lowercase flag name before '=' in deny set")
	}
	if !p.denySet["--no-sandbox"] {
		t.Error("Expected plain flag in deny set")
	}
}

func TestManagerEmbeddedOnly(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if m.Policy() != Get() {
		t.Error("Expected embedded policy when no external path is set")
	}
	if err := m.Reload(); err == nil {
		t.Error("Expected Reload to fail without an external path")
	}
}

func TestManagerExternalOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	content := `
hardening:
  - --custom-hardening-flag
dangerous:
  - --custom-dangerous-flag
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	p := m.Policy()
	if len(p.Hardening) != 1 || p.Hardening[0] != "--custom-hardening-flag" {
		t.Errorf("Expected external hardening override, got %v", p.Hardening)
	}
	if !p.DenySet()["--custom-dangerous-flag"] {
		t.Error("Expected deny set rebuilt from external policy")
	}

	stats := m.Stats()
	if stats.ReloadCount != 1 {
		t.Errorf("Expected reload count 1, got %d", stats.ReloadCount)
	}
}

func TestManagerPartialOverrideKeepsEmbedded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	content := "hardening:\n  - --only-hardening\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	p := m.Policy()
	if len(p.Hardening) != 1 {
		t.Errorf("Expected hardening overridden, got %v", p.Hardening)
	}
	if !p.DenySet()["--no-sandbox"] {
		t.Error("Expected embedded deny set retained for empty external section")
	}
}

func TestManagerBadExternalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	// Bad external file falls back to the embedded policy
	if m.Policy() != Get() {
		t.Error("Expected embedded policy after failed external load")
	}
	if m.Stats().LastErrorStr == "" {
		t.Error("Expected load error recorded in stats")
	}
}

func TestParseAndValidate(t *testing.T) {
	if _, err := parseAndValidate([]byte("other: stuff\n")); err == nil {
		t.Error("Expected error for policy with no flag sections")
	}
	if _, err := parseAndValidate([]byte("hardening: [--x]\n")); err != nil {
		t.Errorf("Expected minimal policy to parse: %v", err)
	}
	if _, err := parseAndValidate([]byte("\t bad")); err == nil || !strings.Contains(err.Error(), "invalid YAML") {
		t.Errorf("Expected YAML error, got %v", err)
	}
}

func TestManagerHotReload(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping hot-reload test in short mode")
	}

	path := filepath.Join(t.TempDir(), "flags.yaml")
	if err := os.WriteFile(path, []byte("dangerous:\n  - --first\n"), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	m, err := NewManager(path, true)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if !m.Policy().DenySet()["--first"] {
		t.Fatal("Expected initial external policy loaded")
	}

	if err := os.WriteFile(path, []byte("dangerous:\n  - --second\n"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite policy file: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Policy().DenySet()["--second"] {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Hot-reload never picked up the new policy")
}

func TestManagerCloseIdempotent(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("First Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}
