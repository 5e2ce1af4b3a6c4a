package channel

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"cardpilot.io/notifier/internal/domain"
)

//go:embed templates.yaml
var defaultTemplates []byte

type templateSpec struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type templateFile struct {
	Defaults   map[domain.Channel]templateSpec                     `yaml:"defaults"`
	Categories map[domain.Category]map[domain.Channel]templateSpec `yaml:"categories"`
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Rendered is a message ready for a channel.
type Rendered struct {
	Subject string
	Body    string
}

// Templates renders notifications per (category, channel).
type Templates struct {
	byKey map[string]compiled
}

// LoadTemplates parses the YAML file at path, or the embedded defaults when
// path is empty.
func LoadTemplates(path string) (*Templates, error) {
	raw := defaultTemplates
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read templates: %w", err)
		}
		raw = b
	}
	return ParseTemplates(raw)
}

// ParseTemplates compiles a template document.
func ParseTemplates(raw []byte) (*Templates, error) {
	var f templateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	t := &Templates{byKey: make(map[string]compiled)}
	for _, ch := range domain.Channels {
		def := f.Defaults[ch]
		for _, cat := range domain.Categories {
			spec := def
			if override, ok := f.Categories[cat][ch]; ok {
				if override.Subject != "" {
					spec.Subject = override.Subject
				}
				if override.Body != "" {
					spec.Body = override.Body
				}
			}
			if spec.Subject == "" && spec.Body == "" {
				continue
			}
			c, err := compile(templateKey(cat, ch), spec)
			if err != nil {
				return nil, err
			}
			t.byKey[templateKey(cat, ch)] = c
		}
	}
	for cat := range f.Categories {
		if !cat.Valid() {
			return nil, fmt.Errorf("templates: unknown category %q", cat)
		}
	}
	return t, nil
}

func templateKey(cat domain.Category, ch domain.Channel) string {
	return string(cat) + "/" + string(ch)
}

func compile(name string, spec templateSpec) (compiled, error) {
	var c compiled
	var err error
	if c.subject, err = template.New(name + "/subject").Option("missingkey=zero").Parse(spec.Subject); err != nil {
		return c, fmt.Errorf("template %s subject: %w", name, err)
	}
	if c.body, err = template.New(name + "/body").Option("missingkey=zero").Parse(spec.Body); err != nil {
		return c, fmt.Errorf("template %s body: %w", name, err)
	}
	return c, nil
}

type templateData struct {
	Title    string
	Message  string
	Category string
	Priority string
	Benefit  string
	Payload  map[string]interface{}
}

// Render renders n for ch. Without a template the notification's own title
// and message are used.
func (t *Templates) Render(n *domain.Notification, ch domain.Channel) (Rendered, error) {
	c, ok := t.byKey[templateKey(n.Category, ch)]
	if !ok {
		return Rendered{Subject: n.Title, Body: n.Message}, nil
	}

	data := templateData{
		Title:    n.Title,
		Message:  n.Message,
		Category: string(n.Category),
		Priority: n.Priority.String(),
		Payload:  n.Payload,
	}
	if benefit, ok := n.EstimatedBenefit(); ok && benefit.IsPositive() {
		data.Benefit = benefit.StringFixed(2)
	}

	var subject, body bytes.Buffer
	if err := c.subject.Execute(&subject, data); err != nil {
		return Rendered{}, fmt.Errorf("render subject: %w", err)
	}
	if err := c.body.Execute(&body, data); err != nil {
		return Rendered{}, fmt.Errorf("render body: %w", err)
	}
	return Rendered{
		Subject: strings.TrimSpace(subject.String()),
		Body:    strings.TrimSpace(body.String()),
	}, nil
}
