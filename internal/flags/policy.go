// Package flags provides the Chrome launch flag policy: the hardening flags
// appended to every launch and the deny set applied to caller-supplied
// arguments.
package flags

import (
	"embed"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed chrome_flags.yaml
var defaultPolicyFS embed.FS

// Policy holds the flag policy for Chrome launches.
type Policy struct {
	Hardening []string `yaml:"hardening"`
	Dangerous []string `yaml:"dangerous"`

	denySet map[string]bool
}

var (
	instance *Policy
	once     sync.Once
	loadErr  error
)

// Get returns the singleton embedded Policy.
func Get() *Policy {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load chrome flag policy, using built-in fallback")
			instance = fallbackPolicy()
			instance.buildDenySet()
		}
	})
	return instance
}

// load reads the policy from the embedded YAML file.
func load() (*Policy, error) {
	data, err := defaultPolicyFS.ReadFile("chrome_flags.yaml")
	if err != nil {
		return nil, err
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.buildDenySet()

	log.Debug().
		Int("hardening_flags", len(p.Hardening)).
		Int("dangerous_flags", len(p.Dangerous)).
		Msg("Chrome flag policy loaded")

	return &p, nil
}

// buildDenySet precomputes the lowercase flag-name lookup used on every
// launch request.
func (p *Policy) buildDenySet() {
	p.denySet = make(map[string]bool, len(p.Dangerous))
	for _, name := range p.Dangerous {
		p.denySet[strings.ToLower(strings.SplitN(name, "=", 2)[0])] = true
	}
}

// DenySet returns the lookup of forbidden flag names. The map is shared and
// must not be mutated.
func (p *Policy) DenySet() map[string]bool {
	return p.denySet
}

// HardeningFlags returns a copy of the hardening flag list, safe for the
// caller to append to.
func (p *Policy) HardeningFlags() []string {
	out := make([]string, len(p.Hardening))
	copy(out, p.Hardening)
	return out
}

// fallbackPolicy covers the paranoid case of the embedded file failing to
// parse. It keeps only the flags that gate the debugging surface itself.
func fallbackPolicy() *Policy {
	return &Policy{
		Hardening: []string{
			"--no-first-run",
			"--no-default-browser-check",
			"--enable-automation",
			"--disable-sync",
			"--disable-extensions",
			"--disable-background-networking",
		},
		Dangerous: []string{
			"--no-sandbox",
			"--disable-web-security",
			"--remote-debugging-address",
			"--remote-debugging-port",
			"--user-data-dir",
			"--enable-automation",
		},
	}
}
