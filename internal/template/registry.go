package template

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry holds the known institution templates. It is populated once at
// startup (builtins plus an optional yaml directory) and read-only afterward.
type Registry struct {
	templates map[string]Template
}

// NewRegistry returns a registry seeded with the builtin templates.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]Template)}
	for _, t := range builtinTemplates {
		r.templates[t.Institution] = t
	}
	return r
}

// Register adds or replaces a template after validating it.
func (r *Registry) Register(t Template) error {
	if err := t.validate(); err != nil {
		return err
	}
	r.templates[strings.ToLower(t.Institution)] = t
	return nil
}

// LoadDir reads every *.yaml / *.yml file in dir as a template definition and
// registers it, overriding builtins with the same institution id. A missing
// directory is not an error.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return eris.Wrapf(err, "template: read dir %s", dir)
	}

	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "template: read %s", path)
		}

		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return eris.Wrapf(err, "template: parse %s", path)
		}
		if err := r.Register(t); err != nil {
			return eris.Wrapf(err, "template: register %s", path)
		}
		zap.L().Debug("template loaded",
			zap.String("institution", t.Institution),
			zap.String("file", e.Name()),
		)
	}
	return nil
}

// Get returns the template for an institution id, case-insensitively.
func (r *Registry) Get(institutionID string) (Template, bool) {
	t, ok := r.templates[strings.ToLower(strings.TrimSpace(institutionID))]
	return t, ok
}

// List returns all registered templates sorted by institution id.
func (r *Registry) List() []Template {
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Institution < out[j].Institution })
	return out
}
