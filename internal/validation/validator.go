package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"capman/internal/api"
	"capman/internal/report"
)

// FailureType distinguishes why validation failed.
type FailureType string

const (
	// FailureMissing means a required input was absent after alias mapping.
	FailureMissing FailureType = "missing"
	// FailureSchema means a provided value could not be coerced to the
	// declared type without loss.
	FailureSchema FailureType = "schema"
)

// Result is the outcome of ValidateAndStandardizeInputs. On success, Inputs
// maps canonical input names to their standardized values.
type Result struct {
	Success     bool
	Inputs      map[string]api.InputValue
	Error       *report.StructuredError
	FailureType FailureType
}

// ValidateAndStandardizeInputs checks the provided inputs against a plugin's
// input definitions and returns the canonical input map.
func ValidateAndStandardizeInputs(defs []api.InputDefinition, provided map[string]api.InputValue) Result {
	canonical := applyAliases(defs, provided)

	for _, def := range defs {
		iv, present := canonical[def.Name]
		if !present {
			if def.Required {
				return failure(FailureMissing, def.Name,
					fmt.Sprintf("required input %q is missing", def.Name))
			}
			continue
		}

		coerced, err := coerceValue(iv.Value, def.Type)
		if err != nil {
			return failure(FailureSchema, def.Name,
				fmt.Sprintf("input %q: %v", def.Name, err))
		}

		iv.InputName = def.Name
		iv.Value = coerced
		if iv.ValueType == "" || iv.ValueType != def.Type {
			iv.ValueType = def.Type
		}
		canonical[def.Name] = iv
	}

	return Result{Success: true, Inputs: canonical}
}

// applyAliases rewrites provided keys that match a declared alias to the
// canonical input name. A canonical key always wins over an alias for the
// same definition. Keys matching no definition are preserved verbatim.
func applyAliases(defs []api.InputDefinition, provided map[string]api.InputValue) map[string]api.InputValue {
	aliasToName := make(map[string]string)
	for _, def := range defs {
		for _, alias := range def.Aliases {
			aliasToName[alias] = def.Name
		}
	}

	out := make(map[string]api.InputValue, len(provided))
	for key, iv := range provided {
		target := key
		if canonical, ok := aliasToName[key]; ok {
			if _, alreadySet := provided[canonical]; !alreadySet {
				target = canonical
			}
		}
		if _, exists := out[target]; exists && target != key {
			// An earlier alias already claimed the canonical slot.
			continue
		}
		iv.InputName = target
		out[target] = iv
	}
	return out
}

// coerceValue attempts a lossless conversion of value toward the declared
// type. Irreversible mismatches return an error.
func coerceValue(value interface{}, declared api.ValueType) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	switch declared {
	case api.TypeAny, api.TypePlan, api.TypePlugin, api.TypeError, "":
		return value, nil

	case api.TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		// Scalars stringify losslessly.
		switch v := value.(type) {
		case float64, float32, int, int32, int64, bool:
			return fmt.Sprintf("%v", v), nil
		}
		return nil, fmt.Errorf("cannot represent %T as string", value)

	case api.TypeNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", v.String())
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("string %q is not a number", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to number", value)

	case api.TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, fmt.Errorf("string %q is not a boolean", v)
		}
		return nil, fmt.Errorf("cannot coerce %T to boolean", value)

	case api.TypeObject:
		switch v := value.(type) {
		case map[string]interface{}:
			return v, nil
		case string:
			var m map[string]interface{}
			if err := json.Unmarshal([]byte(v), &m); err != nil {
				return nil, fmt.Errorf("string is not a JSON object: %v", err)
			}
			return m, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to object", value)

	case api.TypeArray:
		switch v := value.(type) {
		case []interface{}:
			return v, nil
		case string:
			var a []interface{}
			if err := json.Unmarshal([]byte(v), &a); err != nil {
				return nil, fmt.Errorf("string is not a JSON array: %v", err)
			}
			return a, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to array", value)
	}

	return nil, fmt.Errorf("unknown declared type %q", declared)
}

func failure(ft FailureType, field, message string) Result {
	severity := report.SeverityValidation
	return Result{
		Success:     false,
		FailureType: ft,
		Error: report.New(report.CodeInputValidationFailed, message, report.Opts{
			Severity:   severity,
			Source:     "InputValidator",
			Context:    map[string]interface{}{"field": field, "validationType": string(ft)},
			HTTPStatus: 400,
		}),
	}
}
