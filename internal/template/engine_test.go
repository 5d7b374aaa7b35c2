package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceString(t *testing.T) {
	e := New()
	got, err := e.Replace("https://api.example.com/users/{{ userId }}", map[string]interface{}{
		"userId": "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/users/42", got)
}

func TestReplaceSpellings(t *testing.T) {
	e := New()
	ctx := map[string]interface{}{"v": 7}
	for _, tmpl := range []string{"{{v}}", "{{ v }}", "{{.v}}", "{{ .v }}"} {
		got, err := e.Replace(tmpl, ctx)
		require.NoError(t, err)
		assert.Equal(t, "7", got)
	}
}

func TestReplaceNested(t *testing.T) {
	e := New()
	value := map[string]interface{}{
		"url":  "{{ base }}/items",
		"tags": []interface{}{"{{ env }}", "static"},
	}
	got, err := e.Replace(value, map[string]interface{}{"base": "http://x", "env": "prod"})
	require.NoError(t, err)
	m := got.(map[string]interface{})
	assert.Equal(t, "http://x/items", m["url"])
	assert.Equal(t, []interface{}{"prod", "static"}, m["tags"])
}

func TestReplaceMissingVariable(t *testing.T) {
	e := New()
	_, err := e.Replace("{{ missing }}", map[string]interface{}{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestExtractVariables(t *testing.T) {
	e := New()
	vars := e.ExtractVariables(map[string]interface{}{
		"a": "{{ one }}",
		"b": []interface{}{"{{ two }}", "{{ one }}"},
	})
	assert.ElementsMatch(t, []string{"one", "two"}, vars)
}

func TestValidateContext(t *testing.T) {
	e := New()
	err := e.ValidateContext("{{ a }} {{ b }}", map[string]interface{}{"a": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")

	assert.NoError(t, e.ValidateContext("{{ a }}", map[string]interface{}{"a": 1}))
}

func TestRenderPrompt(t *testing.T) {
	out, err := RenderPrompt("goal", `Handle {{ .Verb }} with context {{ .Context | trunc 10 }}`, map[string]string{
		"Verb":    "NOVEL",
		"Context": "a very long context string",
	})
	require.NoError(t, err)
	assert.Equal(t, "Handle NOVEL with context a very lon", out)
}
