// Package templates renders the small text templates linkshelf exposes to
// operators: export filenames and the offline response body.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles templates with the sprig function map. Helpers that read
// the process environment or the filesystem are removed; file-backed
// templates resolve through the sandbox instead.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer builds a renderer. A nil sandbox disables CompileFile.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	} {
		delete(funcs, name)
	}
	return &Renderer{sandbox: sandbox, funcs: template.FuncMap(funcs)}
}

// Sandbox returns the sandbox file templates resolve through.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses source. Blank sources return nil without error so
// optional settings can stay empty.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads path, relative to or inside the sandbox root, and
// compiles it.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	contents, err := r.sandbox.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.CompileInline(filepath.Base(path), string(contents))
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name is the template name used in errors and logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
