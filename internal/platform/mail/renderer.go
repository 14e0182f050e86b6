// Package mail renders transactional emails from embedded Markdown templates and hands them to a transport.
package mail

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.md
var templateFS embed.FS

// Template names understood by the renderer.
const (
	TemplateOrderReceived    = "order_received"
	TemplateOfferAdded       = "offer_added"
	TemplateOfferUpdated     = "offer_updated"
	TemplateStatusChanged    = "status_changed"
	TemplateCommentAdded     = "comment_added"
	TemplatePaymentSucceeded = "payment_succeeded"
	TemplatePaymentFailed    = "payment_failed"
	TemplateOrderRemoved     = "order_removed"
	TemplateOrderRestored    = "order_restored"
)

// ErrUnknownTemplate is returned for template names without an embedded file.
var ErrUnknownTemplate = errors.New("mail: unknown template")

// Rendered is a ready-to-send email body.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type parsedTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Renderer turns template data into sanitised HTML and plain text.
type Renderer struct {
	brand     string
	templates map[string]parsedTemplate
	markdown  goldmark.Markdown
	policy    *bluemonday.Policy
	money     *MoneyFormatter
}

// RendererConfig carries the brand settings used by every template.
type RendererConfig struct {
	Brand    string
	Locale   string
	Currency string
}

// NewRenderer parses every embedded template. Locale and currency drive amount formatting.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	money, err := NewMoneyFormatter(cfg.Locale, cfg.Currency)
	if err != nil {
		return nil, err
	}
	r := &Renderer{
		brand:     cfg.Brand,
		templates: make(map[string]parsedTemplate),
		markdown:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:    bluemonday.UGCPolicy().RequireNoFollowOnLinks(true),
		money:     money,
	}

	entries, err := fs.Glob(templateFS, "templates/*.md")
	if err != nil {
		return nil, err
	}
	funcs := template.FuncMap{"money": r.Money}
	for _, name := range entries {
		raw, err := templateFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		key := strings.TrimSuffix(path.Base(name), ".md")
		parsed, err := parseTemplate(key, string(raw), funcs)
		if err != nil {
			return nil, err
		}
		r.templates[key] = parsed
	}
	return r, nil
}

type frontMatter struct {
	Subject string `yaml:"subject"`
}

func parseTemplate(name, raw string, funcs template.FuncMap) (parsedTemplate, error) {
	fm, body := splitFrontMatter(raw)
	var front frontMatter
	if err := yaml.Unmarshal([]byte(fm), &front); err != nil {
		return parsedTemplate{}, fmt.Errorf("mail: %s front matter: %w", name, err)
	}
	if strings.TrimSpace(front.Subject) == "" {
		return parsedTemplate{}, fmt.Errorf("mail: %s has no subject", name)
	}
	subject, err := template.New(name + ".subject").Funcs(funcs).Option("missingkey=zero").Parse(front.Subject)
	if err != nil {
		return parsedTemplate{}, fmt.Errorf("mail: %s subject: %w", name, err)
	}
	bodyTmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(body)
	if err != nil {
		return parsedTemplate{}, fmt.Errorf("mail: %s body: %w", name, err)
	}
	return parsedTemplate{subject: subject, body: bodyTmpl}, nil
}

func splitFrontMatter(input string) (string, string) {
	input = strings.TrimLeft(input, "\uFEFF")
	lines := strings.Split(input, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", input
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n")
		}
	}
	return "", input
}

// Render executes the named template. Brand is always available as .Brand.
func (r *Renderer) Render(name string, data map[string]any) (Rendered, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	values := make(map[string]any, len(data)+1)
	values["Brand"] = r.brand
	for k, v := range data {
		values[k] = v
	}

	var subject, text, html bytes.Buffer
	if err := tmpl.subject.Execute(&subject, values); err != nil {
		return Rendered{}, fmt.Errorf("mail: render %s subject: %w", name, err)
	}
	if err := tmpl.body.Execute(&text, values); err != nil {
		return Rendered{}, fmt.Errorf("mail: render %s body: %w", name, err)
	}
	if err := r.markdown.Convert(text.Bytes(), &html); err != nil {
		return Rendered{}, fmt.Errorf("mail: convert %s: %w", name, err)
	}
	return Rendered{
		Subject: strings.TrimSpace(subject.String()),
		HTML:    r.policy.Sanitize(html.String()),
		Text:    strings.TrimSpace(text.String()),
	}, nil
}

// Money formats minor units in the shop currency for the configured locale.
func (r *Renderer) Money(minor any) string {
	var amount int64
	switch v := minor.(type) {
	case int64:
		amount = v
	case int:
		amount = int64(v)
	default:
		return fmt.Sprint(minor)
	}
	return r.money.Format(amount, "")
}
