// Package session loads and validates the YAML manifest describing one VM
// session: the entry def, fiber stack size, trap-hook toggle, module
// search roots, and the bytecode module bundles to fetch before running.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultStackSize is the per-fiber operand stack size used when the
// manifest does not set one.
const DefaultStackSize = 4 << 20

// Manifest represents the parsed contents of a session.yml.
type Manifest struct {
	Path        string
	Name        string
	Entry       string
	StackSize   int
	TrapEnabled bool
	SearchPaths []string
	Modules     map[string]*ModuleSpec
	ModuleOrder []string
}

// ModuleSpec describes one bytecode module bundle dependency.
type ModuleSpec struct {
	Git    string
	Rev    string
	Tag    string
	Branch string
	Path   string
}

// ValidationError aggregates manifest validation failures.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "session: invalid manifest"
	}
	var b strings.Builder
	b.WriteString("session manifest validation failed:")
	for _, issue := range e.Issues {
		b.WriteString("\n- ")
		b.WriteString(issue)
	}
	return b.String()
}

type rawManifest struct {
	Name        string                `yaml:"name"`
	Entry       string                `yaml:"entry"`
	StackSize   int                   `yaml:"stack_size"`
	TrapEnabled bool                  `yaml:"trap_enabled"`
	SearchPaths []string              `yaml:"search_paths"`
	Modules     map[string]*rawModule `yaml:"modules"`
}

type rawModule struct {
	Git    string `yaml:"git"`
	Rev    string `yaml:"rev"`
	Tag    string `yaml:"tag"`
	Branch string `yaml:"branch"`
	Path   string `yaml:"path"`
}

// Load parses a session.yml from disk, returning a validated manifest.
func Load(path string) (*Manifest, error) {
	if path == "" {
		return nil, fmt.Errorf("session: empty manifest path")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("session: resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", absPath, err)
	}
	return Parse(data, absPath)
}

// Parse decodes and validates manifest bytes. path is recorded for
// diagnostics and relative-path resolution only.
func Parse(data []byte, path string) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("session: parse %s: %w", path, err)
	}

	var issues []string
	if strings.TrimSpace(raw.Name) == "" {
		issues = append(issues, "name is required")
	}
	if strings.TrimSpace(raw.Entry) == "" {
		issues = append(issues, "entry is required")
	}
	if raw.StackSize < 0 {
		issues = append(issues, fmt.Sprintf("stack_size %d is negative", raw.StackSize))
	}

	m := &Manifest{
		Path:        path,
		Name:        strings.TrimSpace(raw.Name),
		Entry:       strings.TrimSpace(raw.Entry),
		StackSize:   raw.StackSize,
		TrapEnabled: raw.TrapEnabled,
		SearchPaths: raw.SearchPaths,
		Modules:     make(map[string]*ModuleSpec),
	}
	if m.StackSize == 0 {
		m.StackSize = DefaultStackSize
	}

	for name, rm := range raw.Modules {
		if rm == nil {
			issues = append(issues, fmt.Sprintf("module %s has an empty spec", name))
			continue
		}
		spec := &ModuleSpec{Git: rm.Git, Rev: rm.Rev, Tag: rm.Tag, Branch: rm.Branch, Path: rm.Path}
		switch {
		case spec.Path != "" && spec.Git != "":
			issues = append(issues, fmt.Sprintf("module %s sets both path and git", name))
		case spec.Path == "" && spec.Git == "":
			issues = append(issues, fmt.Sprintf("module %s needs either path or git", name))
		case spec.Git != "" && spec.Rev == "" && spec.Tag == "" && spec.Branch == "":
			issues = append(issues, fmt.Sprintf("module %s: git modules require rev, tag, or branch", name))
		}
		m.Modules[name] = spec
		m.ModuleOrder = append(m.ModuleOrder, name)
	}
	sort.Strings(m.ModuleOrder)

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return m, nil
}

// ResolveSearchPaths returns the manifest's search roots resolved against
// its own directory.
func (m *Manifest) ResolveSearchPaths() []string {
	root := filepath.Dir(m.Path)
	out := make([]string, 0, len(m.SearchPaths)+1)
	out = append(out, root)
	for _, p := range m.SearchPaths {
		if filepath.IsAbs(p) {
			out = append(out, filepath.Clean(p))
		} else {
			out = append(out, filepath.Join(root, filepath.FromSlash(p)))
		}
	}
	return out
}
