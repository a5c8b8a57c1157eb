package flow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config carries task-specific settings (opaque to the engine).
type Config map[string]any

// Clone returns a shallow copy of the config map.
func (cfg Config) Clone() Config {
	if len(cfg) == 0 {
		return nil
	}
	clone := make(Config, len(cfg))
	for key, value := range cfg {
		clone[key] = value
	}
	return clone
}

// String returns the value for key as a string. Missing keys yield "".
func (cfg Config) String(key string) (string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case int, int64, float64, bool:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("config %s: expected string, got %T", key, raw)
}

// Bool returns the value for key as a bool, or def when absent.
func (cfg Config) Bool(key string, def bool) (bool, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("config %s: %w", key, err)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("config %s: expected bool, got %T", key, raw)
}

// Strings returns the value for key as a string slice. A single string is
// treated as a one-element list.
func (cfg Config) Strings(key string) ([]string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out, nil
	case []any:
		out := make([]string, 0, len(v))
		for idx, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("config %s[%d]: expected string, got %T", key, idx, item)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return []string{v}, nil
	}
	return nil, fmt.Errorf("config %s: expected list, got %T", key, raw)
}

// Duration parses the value for key with time.ParseDuration.
func (cfg Config) Duration(key string, def time.Duration) (time.Duration, error) {
	s, err := cfg.String(key)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", key, err)
	}
	return d, nil
}
