package validation

import (
	"testing"

	"capman/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringInput(name, value string) api.InputValue {
	return api.InputValue{InputName: name, Value: value, ValueType: api.TypeString}
}

func TestAliasMapping(t *testing.T) {
	defs := []api.InputDefinition{
		{Name: "script", Type: api.TypeString, Required: true, Aliases: []string{"code"}},
		{Name: "script_parameters", Type: api.TypeObject, Aliases: []string{"params"}},
	}
	provided := map[string]api.InputValue{
		"code": stringInput("code", "print('hello')"),
		"params": {
			InputName: "params",
			Value:     map[string]interface{}{"k": "v"},
			ValueType: api.TypeObject,
		},
	}

	res := ValidateAndStandardizeInputs(defs, provided)
	require.True(t, res.Success)

	script, ok := res.Inputs["script"]
	require.True(t, ok)
	assert.Equal(t, "print('hello')", script.Value)
	assert.Equal(t, "script", script.InputName)

	params, ok := res.Inputs["script_parameters"]
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"k": "v"}, params.Value)

	_, aliasLeft := res.Inputs["code"]
	assert.False(t, aliasLeft)
}

func TestCanonicalKeyWinsOverAlias(t *testing.T) {
	defs := []api.InputDefinition{
		{Name: "script", Type: api.TypeString, Required: true, Aliases: []string{"code"}},
	}
	provided := map[string]api.InputValue{
		"script": stringInput("script", "canonical"),
		"code":   stringInput("code", "aliased"),
	}

	res := ValidateAndStandardizeInputs(defs, provided)
	require.True(t, res.Success)
	assert.Equal(t, "canonical", res.Inputs["script"].Value)
}

func TestRequiredMissing(t *testing.T) {
	defs := []api.InputDefinition{
		{Name: "query", Type: api.TypeString, Required: true},
	}

	res := ValidateAndStandardizeInputs(defs, map[string]api.InputValue{})
	require.False(t, res.Success)
	assert.Equal(t, FailureMissing, res.FailureType)
	require.NotNil(t, res.Error)
	assert.Equal(t, 400, res.Error.HTTPStatus)
}

func TestRequiredPresentAfterValidation(t *testing.T) {
	defs := []api.InputDefinition{
		{Name: "a", Type: api.TypeString, Required: true},
		{Name: "b", Type: api.TypeNumber, Required: true, Aliases: []string{"beta"}},
	}
	provided := map[string]api.InputValue{
		"a":    stringInput("a", "x"),
		"beta": stringInput("beta", "12"),
	}

	res := ValidateAndStandardizeInputs(defs, provided)
	require.True(t, res.Success)
	for _, def := range defs {
		_, ok := res.Inputs[def.Name]
		assert.True(t, ok, "required input %s must have a canonical entry", def.Name)
	}
}

func TestTypeCoercion(t *testing.T) {
	defs := []api.InputDefinition{
		{Name: "count", Type: api.TypeNumber},
		{Name: "enabled", Type: api.TypeBoolean},
		{Name: "config", Type: api.TypeObject},
		{Name: "items", Type: api.TypeArray},
	}
	provided := map[string]api.InputValue{
		"count":   stringInput("count", "42"),
		"enabled": stringInput("enabled", "true"),
		"config":  stringInput("config", `{"deep":{"k":1}}`),
		"items":   stringInput("items", `[1,2,3]`),
	}

	res := ValidateAndStandardizeInputs(defs, provided)
	require.True(t, res.Success)
	assert.Equal(t, float64(42), res.Inputs["count"].Value)
	assert.Equal(t, true, res.Inputs["enabled"].Value)
	assert.Equal(t, map[string]interface{}{"deep": map[string]interface{}{"k": float64(1)}}, res.Inputs["config"].Value)
	assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, res.Inputs["items"].Value)
	assert.Equal(t, api.TypeNumber, res.Inputs["count"].ValueType)
}

func TestSchemaMismatch(t *testing.T) {
	defs := []api.InputDefinition{
		{Name: "count", Type: api.TypeNumber},
	}
	provided := map[string]api.InputValue{
		"count": stringInput("count", "not-a-number"),
	}

	res := ValidateAndStandardizeInputs(defs, provided)
	require.False(t, res.Success)
	assert.Equal(t, FailureSchema, res.FailureType)
}

func TestUnknownInputsPreserved(t *testing.T) {
	defs := []api.InputDefinition{
		{Name: "query", Type: api.TypeString},
	}
	provided := map[string]api.InputValue{
		"query": stringInput("query", "q"),
		"extra": stringInput("extra", "kept"),
	}

	res := ValidateAndStandardizeInputs(defs, provided)
	require.True(t, res.Success)
	assert.Equal(t, "kept", res.Inputs["extra"].Value)
}

func TestOptionalAbsentIsFine(t *testing.T) {
	defs := []api.InputDefinition{
		{Name: "limit", Type: api.TypeNumber, Required: false},
	}
	res := ValidateAndStandardizeInputs(defs, map[string]api.InputValue{})
	assert.True(t, res.Success)
}

func TestValidatorDoesNotMutateInput(t *testing.T) {
	defs := []api.InputDefinition{
		{Name: "count", Type: api.TypeNumber},
	}
	provided := map[string]api.InputValue{
		"count": stringInput("count", "7"),
	}

	_ = ValidateAndStandardizeInputs(defs, provided)
	assert.Equal(t, "7", provided["count"].Value, "caller's map must stay untouched")
}
