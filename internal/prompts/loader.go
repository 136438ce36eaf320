package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template names
const (
	Infer    = "infer"
	Generate = "generate"
	Repair   = "repair"
)

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata: the system role and sampling temperature.
type TemplateMeta struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	System      string   `yaml:"system"`
	Temperature *float32 `yaml:"temperature"`
}

// Prompt is a rendered template ready to send
type Prompt struct {
	Text        string
	System      string
	Temperature *float32
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .veritas/prompts/
// 2. User config: ~/.config/veritas/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".veritas", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "veritas", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads name.md from override dirs or the embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	file := name + ".md"
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, file)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, path.Join("templates", file))
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil // No frontmatter
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by name (e.g. "infer").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Render executes the named template and attaches its frontmatter settings.
func (l *Loader) Render(name string, data any) (Prompt, error) {
	tmpl, meta, err := l.LoadTemplate(name)
	if err != nil {
		return Prompt{}, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Prompt{}, fmt.Errorf("execute %s: %w", name, err)
	}

	p := Prompt{Text: buf.String()}
	if meta != nil {
		p.System = meta.System
		p.Temperature = meta.Temperature
	}
	return p, nil
}

// InferData holds template variables for the infer prompt.
type InferData struct {
	Code         string
	FunctionName string
}

// GenerateData holds template variables for the generate prompt.
type GenerateData struct {
	Code              string
	FunctionName      string
	Module            string
	Description       string
	EdgeCases         []string
	Requirements      []string
	PropertyBased     bool
	CoverageThreshold int
}

// RepairData holds template variables for the repair prompt.
type RepairData struct {
	Code        string
	TestCode    string
	ErrorOutput string
}

// BuildInferPrompt renders the behavior inference prompt.
func (l *Loader) BuildInferPrompt(data InferData) (Prompt, error) {
	return l.Render(Infer, data)
}

// BuildGeneratePrompt renders the test generation prompt.
func (l *Loader) BuildGeneratePrompt(data GenerateData) (Prompt, error) {
	return l.Render(Generate, data)
}

// BuildRepairPrompt renders the test repair prompt.
func (l *Loader) BuildRepairPrompt(data RepairData) (Prompt, error) {
	return l.Render(Repair, data)
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
