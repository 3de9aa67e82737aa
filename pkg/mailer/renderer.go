package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"path/filepath"
	"sync"
	texttemplate "text/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

// Renderer converts markdown templates with YAML frontmatter into HTML email
// bodies. Template context values are sanitized before execution: every string
// value is stripped of markup, so imported recipient data cannot smuggle HTML
// or template-looking text into the rendered message.
type Renderer struct {
	fs        fs.FS
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy

	// Caches hold parsed structure, never rendered output.
	templateCache map[string]*cachedTemplate
	layoutCache   map[string]*template.Template
	templateDir   string
	layoutDir     string

	mu sync.RWMutex
}

type cachedTemplate struct {
	metadata map[string]any
	tmpl     *texttemplate.Template
}

// RendererConfig configures template and layout lookup paths.
type RendererConfig struct {
	TemplateDir string // Default: "."
	LayoutDir   string // Default: "layouts"
}

// NewRenderer creates a renderer with default config.
func NewRenderer(filesystem fs.FS) *Renderer {
	return NewRendererWithConfig(filesystem, RendererConfig{})
}

// NewRendererWithConfig creates a renderer with custom config.
func NewRendererWithConfig(filesystem fs.FS, opts RendererConfig) *Renderer {
	if opts.TemplateDir == "" {
		opts.TemplateDir = "."
	}
	if opts.LayoutDir == "" {
		opts.LayoutDir = "layouts"
	}

	return &Renderer{
		fs:            filesystem,
		templateDir:   opts.TemplateDir,
		layoutDir:     opts.LayoutDir,
		md:            goldmark.New(),
		sanitizer:     bluemonday.StrictPolicy(),
		templateCache: make(map[string]*cachedTemplate),
		layoutCache:   make(map[string]*template.Template),
	}
}

// RenderResult contains the rendered HTML, plain text, and template metadata.
type RenderResult struct {
	Metadata map[string]any
	HTML     string
	Text     string // Processed markdown before HTML conversion
}

// Render executes the named template against ctx and wraps it in the layout.
// String values in ctx are sanitized; non-string values pass through.
func (r *Renderer) Render(layout, templateName string, ctx map[string]any) (*RenderResult, error) {
	cached, err := r.getTemplate(templateName)
	if err != nil {
		return nil, err
	}

	data := r.sanitizeContext(ctx)

	var processedMarkdown bytes.Buffer
	if err := cached.tmpl.Execute(&processedMarkdown, data); err != nil {
		return nil, fmt.Errorf("%w: failed to execute template: %v", ErrRenderFailed, err)
	}

	plainText := processedMarkdown.String()

	var htmlContent bytes.Buffer
	if err := r.md.Convert(processedMarkdown.Bytes(), &htmlContent); err != nil {
		return nil, fmt.Errorf("%w: failed to convert markdown: %v", ErrRenderFailed, err)
	}

	layoutTmpl, err := r.getLayout(layout)
	if err != nil {
		return nil, err
	}

	var finalHTML bytes.Buffer
	layoutData := map[string]any{
		"Content":  template.HTML(htmlContent.String()),
		"Metadata": cached.metadata,
	}
	if err := layoutTmpl.Execute(&finalHTML, layoutData); err != nil {
		return nil, fmt.Errorf("%w: failed to execute layout: %v", ErrRenderFailed, err)
	}

	return &RenderResult{
		HTML:     finalHTML.String(),
		Text:     plainText,
		Metadata: cached.metadata,
	}, nil
}

// RenderSubject executes a subject line as a template against ctx.
// Subjects support the same {{.Variable}} syntax as bodies.
func (r *Renderer) RenderSubject(subject string, ctx map[string]any) (string, error) {
	tmpl, err := texttemplate.New("subject").Parse(subject)
	if err != nil {
		return "", fmt.Errorf("%w: failed to parse subject: %v", ErrRenderFailed, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, r.sanitizeContext(ctx)); err != nil {
		return "", fmt.Errorf("%w: failed to execute subject: %v", ErrRenderFailed, err)
	}
	return buf.String(), nil
}

func (r *Renderer) sanitizeContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return ctx
	}
	clean := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if s, ok := v.(string); ok {
			clean[k] = r.sanitizer.Sanitize(s)
			continue
		}
		clean[k] = v
	}
	return clean
}

// getTemplate returns a cached template or parses and caches it.
func (r *Renderer) getTemplate(name string) (*cachedTemplate, error) {
	r.mu.RLock()
	if cached, ok := r.templateCache[name]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cached, ok := r.templateCache[name]; ok {
		return cached, nil
	}

	path := filepath.Join(r.templateDir, name)
	content, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateNotFound, name, err)
	}

	parsed, err := ParseTemplate(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRenderFailed, name, err)
	}

	tmpl, err := texttemplate.New(name).Parse(parsed.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse template body: %v", ErrRenderFailed, err)
	}

	cached := &cachedTemplate{metadata: parsed.Metadata, tmpl: tmpl}
	r.templateCache[name] = cached
	return cached, nil
}

// getLayout returns a cached layout template or parses and caches it.
func (r *Renderer) getLayout(name string) (*template.Template, error) {
	r.mu.RLock()
	if cached, ok := r.layoutCache[name]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.layoutCache[name]; ok {
		return cached, nil
	}

	path := filepath.Join(r.layoutDir, name)
	content, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLayoutNotFound, name, err)
	}

	layoutTmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse layout: %v", ErrRenderFailed, err)
	}

	r.layoutCache[name] = layoutTmpl
	return layoutTmpl, nil
}
