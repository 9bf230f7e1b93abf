package config

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes environment overrides, as in WARDEN_BROKER_MAX_RESTARTS.
const EnvPrefix = "WARDEN_"

var sections = map[string]bool{
	"host": true, "loader": true, "trust": true, "broker": true,
	"store": true, "log": true, "metrics": true,
}

// EnvLoader turns prefixed environment variables into configuration.
type EnvLoader struct {
	prefix string
}

// NewEnvLoader creates a new environment variable loader.
// The prefix should include the trailing underscore (e.g., "WARDEN_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{prefix: prefix}
}

// Load returns the overrides found in environ as a section map.
// Variables that do not name a known section are ignored.
func (l *EnvLoader) Load(environ []string) map[string]any {
	config := make(map[string]any)
	for _, env := range environ {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		section, key, ok := l.envToPath(name)
		if !ok {
			continue
		}
		m, _ := config[section].(map[string]any)
		if m == nil {
			m = make(map[string]any)
			config[section] = m
		}
		m[key] = parseValue(value)
	}
	return config
}

// Apply merges the overrides in environ into cfg.
func (l *EnvLoader) Apply(cfg *Config, environ []string) error {
	overrides := l.Load(environ)
	if len(overrides) == 0 {
		return nil
	}
	data, err := toml.Marshal(overrides)
	if err != nil {
		return err
	}
	return decode(cfg, "environment", data)
}

// envToPath converts WARDEN_BROKER_MAX_RESTARTS to broker, max_restarts.
func (l *EnvLoader) envToPath(env string) (string, string, bool) {
	name := strings.ToLower(strings.TrimPrefix(env, l.prefix))
	section, key, ok := strings.Cut(name, "_")
	if !ok || key == "" || !sections[section] {
		return "", "", false
	}
	return section, key, true
}

// parseValue attempts to parse the string value into an appropriate type.
// Durations stay strings; Duration decodes them.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	// JSON arrays carry lists, e.g. WARDEN_LOG_OUTPUTS='["stderr","warden.log"]'
	if strings.HasPrefix(s, "[") {
		var v []any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}

	return s
}
