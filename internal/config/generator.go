// generator.go provides config templates for nfcond init.
//
// Fields with defaults (listen, log level, metrics) are left out of the
// generated file unless a template needs to demonstrate them.

package config

import (
	"bytes"
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Template represents a configuration template type.
type Template string

const (
	// TemplateMinimal generates a single namespace with no rules.
	TemplateMinimal Template = "minimal"
	// TemplateGated generates a maintenance gate: traffic is dropped until
	// the "maint" condition is set to 1.
	TemplateGated Template = "gated"
)

// Templates lists the available templates in display order.
var Templates = []Template{TemplateMinimal, TemplateGated}

// templateConfig is the subset of Config written by templates.
type templateConfig struct {
	Control    *Control `toml:"control,omitempty"`
	Namespaces []string `toml:"namespaces,omitempty"`
	Rules      []Rule   `toml:"rules,omitempty"`
}

// TemplateConfig holds a template body and its associated comment.
type TemplateConfig struct {
	Config       templateConfig
	RulesComment string // Comment to insert before the first [[rules]] table
}

// ParseTemplate returns the template called name.
func ParseTemplate(name string) (Template, error) {
	for _, t := range Templates {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown template %q", name)
}

// GenerateConfig returns the TOML content for the given template.
func GenerateConfig(template Template) (string, error) {
	tc := getTemplateConfig(template)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(tc.Config); err != nil {
		return "", fmt.Errorf("encode template: %w", err)
	}

	content := buf.String()
	if tc.RulesComment != "" {
		content = insertRulesComment(content, tc.RulesComment)
	}

	return SchemaComment + content, nil
}

func getTemplateConfig(template Template) TemplateConfig {
	switch template {
	case TemplateMinimal:
		return TemplateConfig{
			Config: templateConfig{
				Namespaces: []string{"init"},
			},
		}
	case TemplateGated:
		return TemplateConfig{
			Config: templateConfig{
				Control:    &Control{Perms: "0640", UID: 0, GID: 0},
				Namespaces: []string{"init"},
				Rules: []Rule{
					{Namespace: "init", Condition: "maint", Verdict: "ACCEPT"},
					{Namespace: "init", Condition: "maint", Invert: true, Verdict: "DROP"},
				},
			},
			RulesComment: "open the gate with: nfcond set init maint 1",
		}
	default:
		return getTemplateConfig(TemplateMinimal)
	}
}

// insertRulesComment inserts a comment line before the first [[rules]] table.
func insertRulesComment(content, comment string) string {
	lines := strings.Split(content, "\n")
	result := make([]string, 0, len(lines)+1)
	inserted := false

	for _, line := range lines {
		if !inserted && strings.TrimSpace(line) == "[[rules]]" {
			result = append(result, "# "+comment)
			inserted = true
		}
		result = append(result, line)
	}

	return strings.Join(result, "\n")
}
