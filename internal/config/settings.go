package config

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// ErrInvalidValue is returned when a value does not fit its setting.
var ErrInvalidValue = errors.New("invalid config value")

type valueRule func(v any) error

func percent(v any) error { return numberIn(v, 0, 100) }

func wholeFrom(lo float64) valueRule {
	return func(v any) error {
		f, ok := toFloat(v)
		switch {
		case !ok:
			return fmt.Errorf("want a number, got %T", v)
		case f != math.Trunc(f):
			return fmt.Errorf("want a whole number, got %v", f)
		case f < lo:
			return fmt.Errorf("%v is below %v", f, lo)
		}
		return nil
	}
}

func oneOf(allowed ...string) valueRule {
	return func(v any) error {
		s, ok := v.(string)
		if !ok || !slices.Contains(allowed, s) {
			return fmt.Errorf("want one of %s, got %v", strings.Join(allowed, ", "), v)
		}
		return nil
	}
}

func isString(v any) error {
	if _, ok := v.(string); !ok {
		return fmt.Errorf("want a string, got %T", v)
	}
	return nil
}

func isBool(v any) error {
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("want true or false, got %T", v)
	}
	return nil
}

var workflowRules = map[string]valueRule{
	"workflow.score_threshold":       percent,
	"workflow.accept_score":          percent,
	"workflow.min_score":             percent,
	"workflow.consistency_threshold": func(v any) error { return numberIn(v, 0, 10) },
	"workflow.issue_threshold":       wholeFrom(0),
	"workflow.max_retries":           wholeFrom(0),
	"workflow.artifact_grid_size":    wholeFrom(1),
	"workflow.magicapi_tries":        wholeFrom(1),
	"workflow.redo_mode":             oneOf("fresh", "reference", "blackout"),
	"workflow.repair_backend":        oneOf("gemini", "magicapi"),
	"defaults.image_provider":        isString,
	"defaults.face_provider":         isString,
	"defaults.llm_provider":          isString,
	"defaults.vision_model":          isString,
}

var providerFieldRules = map[string]valueRule{
	"type":       isString,
	"model":      isString,
	"api_key":    isString,
	"base_url":   isString,
	"enabled":    isBool,
	"rate_limit": wholeFrom(0),
}

// ValidateValue checks value against the rules for key. Workflow, defaults
// and provider keys are typed; any other key accepts any value.
func ValidateValue(key string, value any) error {
	rule := workflowRules[key]
	if rule == nil {
		if field, ok := providerField(key); ok {
			rule = providerFieldRules[field]
		}
	}
	if rule == nil {
		return nil
	}
	if err := rule(value); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidValue, key, err)
	}
	return nil
}

// IsProviderKey reports whether key configures a provider or picks the
// default one, so that changing it calls for a registry reload.
func IsProviderKey(key string) bool {
	return strings.HasPrefix(key, "providers.") || strings.HasPrefix(key, "defaults.")
}

// Redact hides literal API keys. ${ENV_VAR} references and empty values
// are shown as stored.
func Redact(e Entry) Entry {
	field, ok := providerField(e.Key)
	if !ok || field != "api_key" {
		return e
	}
	s, _ := e.Value.(string)
	if s == "" || envPattern.MatchString(s) {
		return e
	}
	if len(s) <= 8 {
		e.Value = "****"
	} else {
		e.Value = "****" + s[len(s)-4:]
	}
	return e
}

// providerField returns the field of a providers.<kind>.<name>.<field> key.
func providerField(key string) (string, bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 4 || parts[0] != "providers" {
		return "", false
	}
	switch parts[1] {
	case "image", "face", "llm":
		return parts[3], true
	}
	return "", false
}

func numberIn(v any, lo, hi float64) error {
	f, ok := toFloat(v)
	if !ok {
		return fmt.Errorf("want a number, got %T", v)
	}
	if f < lo || f > hi {
		return fmt.Errorf("%v is outside %v..%v", f, lo, hi)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
