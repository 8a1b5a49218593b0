package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

// decodeConfig decodes a raw policy config into the handler's typed config.
// An absent or null config decodes to the zero value.
func decodeConfig[C any](raw json.RawMessage) (*C, error) {
	cfg := new(C)
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return cfg, nil
	}
	if err := json.Unmarshal(trimmed, cfg); err != nil {
		return nil, describeDecodeError(err)
	}
	return cfg, nil
}

// validateConfig decodes raw and runs check over the typed config.
// Decode failures are reported as a single validation error.
func validateConfig[C any](raw json.RawMessage, check func(*C) []string) ValidationResult {
	cfg, err := decodeConfig[C](raw)
	if err != nil {
		return validationOf([]string{err.Error()})
	}
	return validationOf(check(cfg))
}

func describeDecodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "config"
		}
		return fmt.Errorf("%s: expected %s, got %s", field, describeType(typeErr.Type), typeErr.Value)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Errorf("config: invalid JSON at offset %d: %v", syntaxErr.Offset, err)
	}
	return fmt.Errorf("config: %w", err)
}

func describeType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Pointer:
		return describeType(t.Elem())
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.String {
			return "array of strings"
		}
		return "array"
	case reflect.Struct, reflect.Map:
		return "object"
	default:
		return t.String()
	}
}

// requireStrings validates a list that must be present and non-empty,
// with no blank entries.
func requireStrings(field string, list []string) []string {
	if list == nil {
		return []string{field + " is required"}
	}
	if len(list) == 0 {
		return []string{field + " must not be empty"}
	}
	return checkStrings(field, list)
}

// checkStrings flags blank entries of an optional list.
func checkStrings(field string, list []string) []string {
	var errs []string
	for i, s := range list {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Sprintf("%s[%d] must be a non-empty string", field, i))
		}
	}
	return errs
}

func checkTarget(field string, t *bus.RouteTarget) []string {
	if t == nil {
		return []string{field + " is required"}
	}
	var errs []string
	if t.ChannelID == "" {
		errs = append(errs, field+".channelId is required")
	}
	if t.AccountID == "" {
		errs = append(errs, field+".accountId is required")
	}
	return errs
}

func checkTargets(field string, targets []bus.RouteTarget) []string {
	if targets == nil {
		return []string{field + " is required"}
	}
	if len(targets) == 0 {
		return []string{field + " must not be empty"}
	}
	var errs []string
	for i := range targets {
		errs = append(errs, checkTarget(fmt.Sprintf("%s[%d]", field, i), &targets[i])...)
	}
	return errs
}

func checkNonNegative(field string, v int) []string {
	if v < 0 {
		return []string{fmt.Sprintf("%s must be >= 0, got %d", field, v)}
	}
	return nil
}

func checkEnum(field, v string, allowed ...string) []string {
	if v == "" {
		return nil
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return []string{fmt.Sprintf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), v)}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// regexpCache memoizes compiled patterns across messages.
type regexpCache struct {
	m sync.Map // pattern string → *regexp.Regexp
}

func (c *regexpCache) compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := c.m.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.m.Store(pattern, re)
	return re, nil
}

func checkPatterns(field string, patterns []string) []string {
	var errs []string
	for i, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("%s[%d] is not a valid regular expression: %v", field, i, err))
		}
	}
	return errs
}

// matchKeywords reports whether content contains any keyword.
func matchKeywords(content string, keywords []string, caseSensitive bool) (string, bool) {
	if !caseSensitive {
		content = strings.ToLower(content)
	}
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		needle := kw
		if !caseSensitive {
			needle = strings.ToLower(kw)
		}
		if strings.Contains(content, needle) {
			return kw, true
		}
	}
	return "", false
}
