package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/propserve/propserve/internal/domain"
)

// Processing modes written into the tool configuration.
const (
	ProcModeNormal = "normal"
	ProcModeFast   = "fast"
)

// DefaultConfigTemplate is used when no template file is configured.
const DefaultConfigTemplate = `proc_mode {{.ProcMode}}
nmol {{.NMol}}
{{- range .Extra}}
{{.Key}} {{.Value}}
{{- end}}
`

// ConfigData is what a configuration template can refer to.
type ConfigData struct {
	ProcMode string
	NMol     int
	Extra    []KeyValue
}

// KeyValue is one pass-through option, sorted by key.
type KeyValue struct {
	Key   string
	Value string
}

// NewConfigData maps task options onto template fields.
func NewConfigData(opts domain.TaskOptions) ConfigData {
	data := ConfigData{ProcMode: ProcModeNormal, NMol: opts.Similar}
	if opts.Fast {
		data.ProcMode = ProcModeFast
	}
	for _, k := range opts.ExtraKeys() {
		data.Extra = append(data.Extra, KeyValue{Key: k, Value: opts.Extra[k]})
	}
	return data
}

// LoadConfigTemplate parses the template at path, or the default when path
// is empty. Files written for the older brace style ({proc_mode}, {nmol})
// are accepted too.
func LoadConfigTemplate(path string) (*template.Template, error) {
	text := DefaultConfigTemplate
	name := "default"
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config template: %w", err)
		}
		text = upgradeBraces(string(raw))
		name = filepath.Base(path)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse config template %s: %w", name, err)
	}
	return tmpl, nil
}

// RenderConfig writes the tool configuration for opts to dir/name.
func RenderConfig(tmpl *template.Template, dir, name string, opts domain.TaskOptions) (string, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := tmpl.Execute(f, NewConfigData(opts)); err != nil {
		f.Close()
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return path, f.Close()
}

var legacyFields = map[string]string{
	"{proc_mode}": "{{.ProcMode}}",
	"{nmol}":      "{{.NMol}}",
}

func upgradeBraces(text string) string {
	if strings.Contains(text, "{{") {
		return text
	}
	keys := make([]string, 0, len(legacyFields))
	for k := range legacyFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text = strings.ReplaceAll(text, k, legacyFields[k])
	}
	return text
}
