// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
)

// Profile is the fixed part of a worker sandbox.
type Profile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Inherit     string            `yaml:"inherit,omitempty"`
	Filesystem  []Mount           `yaml:"filesystem,omitempty"`
	Namespaces  NamespaceConfig   `yaml:"namespaces,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Security    SecurityConfig    `yaml:"security,omitempty"`
	CreateDirs  []string          `yaml:"create_dirs,omitempty"`
}

// Mount defines a filesystem mount in the sandbox.
type Mount struct {
	Source   string `yaml:"source,omitempty"`
	Dest     string `yaml:"dest"`
	Mode     string `yaml:"mode,omitempty"`
	Type     string `yaml:"type,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// MountType constants for the Type field.
const (
	MountTypeBind    = ""         // Default: bind mount
	MountTypeTmpfs   = "tmpfs"    // tmpfs mount
	MountTypeProc    = "proc"     // /proc
	MountTypeDev     = "dev"      // /dev (minimal)
	MountTypeDevBind = "dev-bind" // Device node bind
)

// MountMode constants for the Mode field.
const (
	MountModeRO = "ro" // Read-only
	MountModeRW = "rw" // Read-write
)

// NamespaceConfig defines which namespaces to unshare.
type NamespaceConfig struct {
	PID    bool `yaml:"pid"`
	Net    bool `yaml:"net"`
	IPC    bool `yaml:"ipc"`
	UTS    bool `yaml:"uts"`
	Cgroup bool `yaml:"cgroup"`
	User   bool `yaml:"user"`
}

// SecurityConfig defines security settings for the sandbox.
type SecurityConfig struct {
	NewSession    bool `yaml:"new_session"`
	DieWithParent bool `yaml:"die_with_parent"`
}

// Clone creates a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	clone := *p
	clone.Filesystem = slices.Clone(p.Filesystem)
	clone.CreateDirs = slices.Clone(p.CreateDirs)
	clone.Environment = maps.Clone(p.Environment)
	return &clone
}

// MergeProfiles applies child on top of parent. Child mounts replace
// parent mounts with the same destination and are otherwise appended;
// namespace and security blocks replace the parent's when set;
// environment maps merge.
func MergeProfiles(parent, child *Profile) *Profile {
	result := parent.Clone()
	result.Name = child.Name
	result.Inherit = ""
	if child.Description != "" {
		result.Description = child.Description
	}

	for _, mount := range child.Filesystem {
		index := slices.IndexFunc(result.Filesystem, func(existing Mount) bool { return existing.Dest == mount.Dest })
		if index >= 0 {
			result.Filesystem[index] = mount
		} else {
			result.Filesystem = append(result.Filesystem, mount)
		}
	}

	if child.Namespaces != (NamespaceConfig{}) {
		result.Namespaces = child.Namespaces
	}
	if child.Security != (SecurityConfig{}) {
		result.Security = child.Security
	}

	if len(child.Environment) > 0 {
		if result.Environment == nil {
			result.Environment = make(map[string]string)
		}
		maps.Copy(result.Environment, child.Environment)
	}

	for _, dir := range child.CreateDirs {
		if !slices.Contains(result.CreateDirs, dir) {
			result.CreateDirs = append(result.CreateDirs, dir)
		}
	}
	return result
}

// Variables holds the values substituted into profiles.
type Variables map[string]string

var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Expand replaces ${VAR} references, preferring the map and falling
// back to the environment. Unknown references are left as-is.
func (v Variables) Expand(s string) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := v[name]; ok {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return match
	})
}

// ExpandProfile expands every path and environment value of p.
func (v Variables) ExpandProfile(p *Profile) *Profile {
	result := p.Clone()
	for i := range result.Filesystem {
		result.Filesystem[i].Source = v.Expand(result.Filesystem[i].Source)
		result.Filesystem[i].Dest = v.Expand(result.Filesystem[i].Dest)
	}
	for key, value := range result.Environment {
		result.Environment[key] = v.Expand(value)
	}
	for i := range result.CreateDirs {
		result.CreateDirs[i] = v.Expand(result.CreateDirs[i])
	}
	return result
}

// Validate checks a profile for structural errors.
func (p *Profile) Validate() error {
	var errs []error
	for i, m := range p.Filesystem {
		if m.Dest == "" {
			errs = append(errs, fmt.Errorf("filesystem[%d]: dest is required", i))
		}
		switch m.Type {
		case MountTypeBind, MountTypeDevBind:
			if m.Source == "" {
				errs = append(errs, fmt.Errorf("filesystem[%d]: source is required for bind mounts", i))
			}
		case MountTypeTmpfs, MountTypeProc, MountTypeDev:
		default:
			errs = append(errs, fmt.Errorf("filesystem[%d]: unknown type %q", i, m.Type))
		}
		if m.Mode != "" && m.Mode != MountModeRO && m.Mode != MountModeRW {
			errs = append(errs, fmt.Errorf("filesystem[%d]: invalid mode %q (must be ro or rw)", i, m.Mode))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("profile %q: %w", p.Name, errors.Join(errs...))
	}
	return nil
}
