package dispatch

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultMessages []byte

var templateFuncs = template.FuncMap{
	"join": strings.Join,
}

// Catalog holds the static reply templates keyed by message name.
type Catalog struct {
	templates map[string]*template.Template
}

// LoadCatalog parses a YAML map of message name to text/template source.
func LoadCatalog(raw []byte) (*Catalog, error) {
	var messages map[string]string
	if err := yaml.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("parse messages: catalog is empty")
	}

	templates := make(map[string]*template.Template, len(messages))
	for key, text := range messages {
		tmpl, err := template.New(key).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse message %s: %w", key, err)
		}
		templates[key] = tmpl
	}

	return &Catalog{templates: templates}, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(defaultMessages)
}

// Render executes the named template with data.
func (c *Catalog) Render(key string, data any) (string, error) {
	if c == nil {
		return "", fmt.Errorf("render %s: catalog is not initialized", key)
	}
	tmpl, ok := c.templates[key]
	if !ok {
		return "", fmt.Errorf("render %s: unknown message", key)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", key, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Keys lists the message names in sorted order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.templates))
	for key := range c.templates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
