// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultProfileName is the profile used for extension workers unless
// configuration names another.
const DefaultProfileName = "worker"

// ProfilesConfig is the top-level shape of a profiles YAML file.
type ProfilesConfig struct {
	Profiles map[string]*Profile `yaml:"profiles"`
}

// ParseProfilesConfig decodes a profiles document. Each profile's Name
// is set from its key.
func ParseProfilesConfig(data []byte) (*ProfilesConfig, error) {
	var config ProfilesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	for name, profile := range config.Profiles {
		if profile == nil {
			return nil, fmt.Errorf("profile %q is empty", name)
		}
		profile.Name = name
		if err := profile.Validate(); err != nil {
			return nil, err
		}
	}
	return &config, nil
}

// LoadProfilesConfig reads and decodes a profiles file.
func LoadProfilesConfig(path string) (*ProfilesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles %s: %w", path, err)
	}
	config, err := ParseProfilesConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// ProfileLoader loads and resolves sandbox profiles. Later loads
// override earlier ones by name.
type ProfileLoader struct {
	configs  []*ProfilesConfig
	resolved map[string]*Profile
	logger   *slog.Logger
}

// NewProfileLoader creates a loader holding the built-in profiles.
func NewProfileLoader(logger *slog.Logger) *ProfileLoader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	loader := &ProfileLoader{
		resolved: make(map[string]*Profile),
		logger:   logger,
	}
	config, err := ParseProfilesConfig([]byte(defaultProfilesYAML))
	if err != nil {
		panic(fmt.Sprintf("sandbox: built-in profiles: %v", err))
	}
	loader.configs = append(loader.configs, config)
	return loader
}

// LoadFile adds the profiles in path.
func (l *ProfileLoader) LoadFile(path string) error {
	config, err := LoadProfilesConfig(path)
	if err != nil {
		return err
	}
	l.configs = append(l.configs, config)
	clear(l.resolved)
	l.logger.Debug("loaded sandbox profiles", "path", path, "count", len(config.Profiles))
	return nil
}

// Resolve returns the named profile with inheritance applied.
func (l *ProfileLoader) Resolve(name string) (*Profile, error) {
	return l.resolve(name, nil)
}

func (l *ProfileLoader) resolve(name string, chain []string) (*Profile, error) {
	if profile, ok := l.resolved[name]; ok {
		return profile, nil
	}
	for _, seen := range chain {
		if seen == name {
			return nil, fmt.Errorf("profile inheritance cycle: %v -> %s", chain, name)
		}
	}

	var base *Profile
	for _, config := range l.configs {
		if profile, ok := config.Profiles[name]; ok {
			base = profile
		}
	}
	if base == nil {
		return nil, fmt.Errorf("profile not found: %s", name)
	}

	profile := base.Clone()
	if base.Inherit != "" {
		parent, err := l.resolve(base.Inherit, append(chain, name))
		if err != nil {
			return nil, fmt.Errorf("resolving parent of %s: %w", name, err)
		}
		profile = MergeProfiles(parent, base)
	}
	l.resolved[name] = profile
	return profile, nil
}

// List returns all available profile names, sorted.
func (l *ProfileLoader) List() []string {
	names := make(map[string]bool)
	for _, config := range l.configs {
		for name := range config.Profiles {
			names[name] = true
		}
	}
	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// defaultProfilesYAML holds the built-in worker profiles. Workers reach
// the network only through the broker, so the network namespace is
// unshared.
const defaultProfilesYAML = `
profiles:
  worker:
    description: "Isolated extension worker"

    filesystem:
      - source: /usr
        dest: /usr
        mode: ro
      - source: /bin
        dest: /bin
        mode: ro
      - source: /lib
        dest: /lib
        mode: ro
      - source: /lib64
        dest: /lib64
        mode: ro
        optional: true
      - source: /etc/passwd
        dest: /etc/passwd
        mode: ro
      - source: /etc/group
        dest: /etc/group
        mode: ro
      - source: /etc/localtime
        dest: /etc/localtime
        mode: ro
        optional: true
      - source: /etc/ssl
        dest: /etc/ssl
        mode: ro
        optional: true
      - source: /nix
        dest: /nix
        mode: ro
        optional: true
      - type: tmpfs
        dest: /tmp

    namespaces:
      pid: true
      net: true
      ipc: true
      uts: true
      cgroup: false

    environment:
      PATH: "/usr/local/bin:/usr/bin:/bin"
      HOME: "/tmp"
      TERM: "${TERM}"
      EXTHOST_SANDBOX: "1"

    security:
      new_session: true
      die_with_parent: true

  worker-debug:
    description: "Isolated worker sharing the host network, for debuggers that attach over TCP"
    inherit: worker

    namespaces:
      pid: true
      net: false
      ipc: true
      uts: true
      cgroup: false
`
