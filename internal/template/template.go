// Package template provides per-target command templating for ssh-fleet.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"ssh-fleet/internal/target"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Engine renders command templates against a target's connection details
type Engine struct {
	templates map[string]*template.Template
}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{
		templates: make(map[string]*template.Template),
	}
}

// Register registers a named template
func (e *Engine) Register(name, templateStr string) error {
	tmpl, err := template.New(name).Funcs(templateFuncs()).Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template '%s': %w", name, err)
	}

	e.templates[name] = tmpl
	return nil
}

// Render executes a named template for one target
func (e *Engine) Render(name string, tgt target.Target) (string, error) {
	tmpl, exists := e.templates[name]
	if !exists {
		return "", fmt.Errorf("template '%s' not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, newContext(tgt)); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", name, err)
	}

	return buf.String(), nil
}

// RenderInline parses and executes an inline template string for one target
func (e *Engine) RenderInline(templateStr string, tgt target.Target) (string, error) {
	tmpl, err := template.New("inline").Funcs(templateFuncs()).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse inline template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, newContext(tgt)); err != nil {
		return "", fmt.Errorf("failed to execute inline template: %w", err)
	}

	return buf.String(), nil
}

// Context provides the data available inside templates
type Context struct {
	Host       string            `json:"host"`
	User       string            `json:"user"`
	Port       int               `json:"port"`
	Tags       []string          `json:"tags"`
	Properties map[string]string `json:"properties"`
}

// newContext creates a template context from a target
func newContext(tgt target.Target) Context {
	return Context{
		Host:       tgt.Host,
		User:       tgt.User,
		Port:       tgt.Port,
		Tags:       tgt.Tags,
		Properties: tgt.Properties,
	}
}

// templateFuncs returns the custom template function set
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		// String functions
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
		"title":     cases.Title(language.English).String,
		"trim":      strings.TrimSpace,
		"replace":   strings.ReplaceAll,
		"contains":  strings.Contains,
		"hasPrefix": strings.HasPrefix,
		"hasSuffix": strings.HasSuffix,

		// Tag functions
		"hasTag": func(tags []string, tag string) bool {
			for _, t := range tags {
				if strings.EqualFold(t, tag) {
					return true
				}
			}
			return false
		},

		// Property functions
		"prop": func(props map[string]string, key string) string {
			return props[key]
		},

		"propDefault": func(props map[string]string, key, defaultValue string) string {
			if value, exists := props[key]; exists {
				return value
			}
			return defaultValue
		},

		// Host functions
		"hostShort": func(host string) string {
			if idx := strings.Index(host, "."); idx != -1 {
				return host[:idx]
			}
			return host
		},

		"hostDomain": func(host string) string {
			if idx := strings.Index(host, "."); idx != -1 {
				return host[idx+1:]
			}
			return ""
		},
	}
}

// Predefined contains commonly used command templates
var Predefined = map[string]string{
	"system-info": `
echo "=== System Information for {{.Host}} ==="
echo "Hostname: $(hostname)"
echo "Kernel: $(uname -r)"
echo "Uptime: $(uptime)"
echo "Load: $(cat /proc/loadavg)"
echo "Disk: $(df -h / | tail -1)"
`,

	"service-check": `
{{$service := prop .Properties "service"}}
{{if $service}}
systemctl is-active {{$service}} && echo "active" || echo "inactive"
{{else}}
echo "no service property set for {{.Host}}"
{{end}}
`,

	"log-tail": `
{{$logfile := propDefault .Properties "logfile" "/var/log/syslog"}}
{{$lines := propDefault .Properties "lines" "50"}}
tail -n {{$lines}} {{$logfile}}
`,
}

// LoadPredefined loads all predefined templates into the engine
func (e *Engine) LoadPredefined() error {
	for name, templateStr := range Predefined {
		if err := e.Register(name, templateStr); err != nil {
			return fmt.Errorf("failed to load predefined template '%s': %w", name, err)
		}
	}
	return nil
}

// IsTemplate checks if a command string contains template syntax
func IsTemplate(command string) bool {
	return strings.Contains(command, "{{") && strings.Contains(command, "}}")
}

// Validate parses a template string without executing it
func Validate(templateStr string) error {
	_, err := template.New("validation").Funcs(templateFuncs()).Parse(templateStr)
	return err
}
