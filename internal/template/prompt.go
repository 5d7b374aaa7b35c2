package template

import (
	"bytes"
	"fmt"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"
)

// RenderPrompt renders a named text/template with the sprig function set.
// It is used for the goal prompt handed to the meta-handler, where helpers
// like trunc and default keep the prompt construction declarative.
func RenderPrompt(name, tmpl string, data interface{}) (string, error) {
	t, err := texttemplate.New(name).Funcs(sprig.TxtFuncMap()).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}

	return buf.String(), nil
}
