// Package intake turns manifest files into backlog specifications. A
// watcher debounces writes to a spool directory, parses each dropped
// manifest, creates the specification, and sets the file aside.
// Malformed manifests are logged and set aside; they never stop the
// watcher.
package intake

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/planner"
	"github.com/fyrsmithlabs/conductd/internal/role"
)

// ErrManifest indicates a manifest that cannot become a specification.
var ErrManifest = errors.New("invalid manifest")

// maxManifestSize caps manifests and their file includes.
const maxManifestSize = 1 << 20

// Manifest is one unit of dropped work: a named specification, its
// context documents, and its task graph.
type Manifest struct {
	// ID pins the specification identifier so a re-dropped manifest is
	// rejected as a duplicate instead of creating a second
	// specification. Generated when empty.
	ID   string `koanf:"id"`
	Name string `koanf:"name"`

	Documents []DocumentManifest `koanf:"documents"`
	Tasks     []TaskManifest     `koanf:"tasks"`
}

// DocumentManifest carries one context document, either inline or
// included from a file next to the manifest.
type DocumentManifest struct {
	Name string `koanf:"name"`
	Text string `koanf:"text"`
	File string `koanf:"file"`
}

// TaskManifest declares one task of the graph.
type TaskManifest struct {
	ID          string   `koanf:"id"`
	Description string   `koanf:"description"`
	Role        string   `koanf:"role"`
	Type        string   `koanf:"type"`
	Priority    int      `koanf:"priority"`
	DependsOn   []string `koanf:"depends_on"`
}

// Parse decodes and validates a manifest body. File includes are only
// resolved for spooled manifests; a body carrying one is rejected.
func Parse(content []byte) (*Manifest, error) {
	m, err := decode(content)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	for _, d := range m.Documents {
		if d.File != "" {
			return nil, fmt.Errorf("%w: document %q: file includes are only resolved for spooled manifests", ErrManifest, d.Name)
		}
	}
	return m, nil
}

// ParseFile loads, validates, and resolves a spooled manifest. File
// includes resolve relative to the manifest's directory and must stay
// inside it.
func ParseFile(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat manifest: %w", err)
	}
	if info.Size() > maxManifestSize {
		return nil, fmt.Errorf("%w: %s larger than %d bytes", ErrManifest, filepath.Base(path), maxManifestSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := decode(content)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := m.resolveIncludes(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return m, nil
}

func decode(content []byte) (*Manifest, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	var m Manifest
	if err := k.Unmarshal("", &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	return &m, nil
}

// Validate rejects manifests that could not plan: missing names,
// ambiguous documents, roles outside the closed set, and task graphs
// with duplicates, dangling references, or cycles.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: specification name is required", ErrManifest)
	}

	seen := make(map[string]bool, len(m.Documents))
	for i, d := range m.Documents {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("%w: document %d has no name", ErrManifest, i)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate document %q", ErrManifest, d.Name)
		}
		seen[d.Name] = true
		switch {
		case d.Text == "" && d.File == "":
			return fmt.Errorf("%w: document %q needs text or file", ErrManifest, d.Name)
		case d.Text != "" && d.File != "":
			return fmt.Errorf("%w: document %q sets both text and file", ErrManifest, d.Name)
		}
	}

	for _, t := range m.Tasks {
		if _, err := role.Parse(t.Role); err != nil {
			return fmt.Errorf("%w: task %q: %w", ErrManifest, t.ID, err)
		}
	}

	graph := planner.NewGraph()
	if err := graph.AddAll(m.PlannerTasks()...); err != nil {
		return fmt.Errorf("%w: %w", ErrManifest, err)
	}
	if err := graph.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrManifest, err)
	}
	return nil
}

// resolveIncludes inlines file-backed documents. Include paths must not
// leave the manifest directory.
func (m *Manifest) resolveIncludes(dir string) error {
	for i, d := range m.Documents {
		if d.File == "" {
			continue
		}
		if !filepath.IsLocal(d.File) {
			return fmt.Errorf("%w: document %q: include %q escapes the manifest directory", ErrManifest, d.Name, d.File)
		}
		path := filepath.Join(dir, d.File)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%w: document %q: %v", ErrManifest, d.Name, err)
		}
		if info.Size() > maxManifestSize {
			return fmt.Errorf("%w: document %q: include larger than %d bytes", ErrManifest, d.Name, maxManifestSize)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: document %q: %v", ErrManifest, d.Name, err)
		}
		m.Documents[i].Text = string(content)
		m.Documents[i].File = ""
	}
	return nil
}

// Specification maps the manifest onto a backlog specification.
func (m *Manifest) Specification() lifecycle.Specification {
	return lifecycle.Specification{
		ID:        m.ID,
		Name:      m.Name,
		Documents: m.DocumentMap(),
	}
}

// DocumentMap returns resolved document names to their text.
func (m *Manifest) DocumentMap() map[string]string {
	if len(m.Documents) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.Documents))
	for _, d := range m.Documents {
		out[d.Name] = d.Text
	}
	return out
}

// PlannerTasks converts the declared tasks for the planner.
func (m *Manifest) PlannerTasks() []planner.Task {
	if len(m.Tasks) == 0 {
		return nil
	}
	out := make([]planner.Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		out = append(out, planner.Task{
			ID:          t.ID,
			Role:        role.Role(t.Role),
			Description: t.Description,
			Type:        t.Type,
			Priority:    t.Priority,
			DependsOn:   append([]string(nil), t.DependsOn...),
		})
	}
	return out
}
