package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/seenimoa/efundkyc/internal/jsonx"
)

// ErrTemplateNotFound is returned when a template ID is not in the catalogue.
var ErrTemplateNotFound = errors.New("prompts: template not found")

//go:embed templates.yaml
var builtinTemplates []byte

// Renderer looks templates up by ID and fills them with a context map.
type Renderer interface {
	Render(id string, ctx map[string]any) (string, error)
}

// entry is one record of the YAML catalogue.
type entry struct {
	Description string `yaml:"description"`
	Template    string `yaml:"template"`
}

// Catalog is a parsed, immutable set of prompt templates. It is safe for
// concurrent use.
type Catalog struct {
	templates map[string]*template.Template
	desc      map[string]string
}

// Default returns a catalogue of the built-in templates.
func Default() (*Catalog, error) {
	return Parse(builtinTemplates)
}

// MustDefault is Default for package initialisation and tests.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFile parses a YAML catalogue from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompts: read %s: %w", path, err)
	}
	return Parse(data)
}

// Open returns the catalogue at path, or the built-in one when path is
// empty. A catalogue from disk must carry every workflow template.
func Open(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := c.Require(WorkflowTemplates...); err != nil {
		return nil, fmt.Errorf("prompts: %s: %w", path, err)
	}
	return c, nil
}

// Parse builds a catalogue from YAML of the form
//
//	template-id:
//	  description: ...
//	  template: |
//	    text with {{ .key }} placeholders
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("prompts: parse catalogue: %w", err)
	}

	c := &Catalog{
		templates: make(map[string]*template.Template, len(raw)),
		desc:      make(map[string]string, len(raw)),
	}
	for id, e := range raw {
		if strings.TrimSpace(e.Template) == "" {
			return nil, fmt.Errorf("prompts: template %q is empty", id)
		}
		tmpl, err := template.New(id).Funcs(funcs).Parse(e.Template)
		if err != nil {
			return nil, fmt.Errorf("prompts: compile %q: %w", id, err)
		}
		c.templates[id] = tmpl
		c.desc[id] = e.Description
	}
	return c, nil
}

// Render executes template id with ctx.
func (c *Catalog) Render(id string, ctx map[string]any) (string, error) {
	tmpl, ok := c.templates[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}

	if ctx == nil {
		ctx = map[string]any{}
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, ctx); err != nil {
		return "", fmt.Errorf("prompts: render %q: %w", id, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Has reports whether id is in the catalogue.
func (c *Catalog) Has(id string) bool {
	_, ok := c.templates[id]
	return ok
}

// Require returns an error wrapping ErrTemplateNotFound naming every id
// that is missing.
func (c *Catalog) Require(ids ...string) error {
	var missing []string
	for _, id := range ids {
		if !c.Has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, strings.Join(missing, ", "))
	}
	return nil
}

// IDs returns the template IDs, sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Description returns the catalogue description of id.
func (c *Catalog) Description(id string) string {
	return c.desc[id]
}

var funcs = template.FuncMap{
	// json renders v as compact JSON; nil renders as null.
	"json": func(v any) (string, error) {
		b, err := jsonx.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"join": func(items []string, sep string) string {
		return strings.Join(items, sep)
	},
	"default": func(def, v any) any {
		if v == nil {
			return def
		}
		if s, ok := v.(string); ok && s == "" {
			return def
		}
		return v
	},
}
