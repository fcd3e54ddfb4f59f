package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

// Predicate backs a custom validation rule. value is nil when the field is
// absent; data is the full submission merged over the instance context.
type Predicate func(value any, data map[string]any) bool

// validate returns the first failing rule as a *domain.ValidationError.
func (e *Engine) validate(step StepDefinition, data map[string]any) error {
	for _, v := range step.Validations {
		value, present := lookup(data, v.Field)
		if e.passes(v, value, present, data) {
			continue
		}
		msg := v.Message
		if msg == "" {
			msg = defaultMessage(v)
		}
		return &domain.ValidationError{Field: v.Field, Message: msg}
	}
	return nil
}

func (e *Engine) passes(v Validation, value any, present bool, data map[string]any) bool {
	if v.Rule == RuleRequired {
		return present && !isEmpty(value)
	}
	if v.Rule == RuleCustom {
		pred, ok := e.predicate(v.Predicate)
		return ok && pred(value, data)
	}
	if !present || value == nil {
		return true
	}

	switch v.Rule {
	case RuleRange:
		n, ok := toFloat(value)
		if !ok {
			return false
		}
		if v.Min != nil && n < *v.Min {
			return false
		}
		if v.Max != nil && n > *v.Max {
			return false
		}
		return true
	case RulePattern:
		s, ok := value.(string)
		return ok && v.compiled != nil && v.compiled.MatchString(s)
	}
	return false
}

func defaultMessage(v Validation) string {
	switch v.Rule {
	case RuleRequired:
		return "is required"
	case RuleRange:
		switch {
		case v.Min != nil && v.Max != nil:
			return fmt.Sprintf("must be between %g and %g", *v.Min, *v.Max)
		case v.Min != nil:
			return fmt.Sprintf("must be at least %g", *v.Min)
		default:
			return fmt.Sprintf("must be at most %g", *v.Max)
		}
	case RulePattern:
		return "has an invalid format"
	}
	return "is invalid"
}

// lookup resolves dotted field paths through nested maps.
func lookup(data map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// merged overlays submitted data on the instance context without touching
// either map.
func merged(base, overlay map[string]any) map[string]any {
	out := domain.CloneData(base)
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
