package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ConfigSource describes the YAML file backing values absent from the environment.
type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

// fileSource reads config/config-<CONFIG_PHASE>.yaml (or CONFIG_FILE) once and
// serves its values under flattened upper-case keys.
type fileSource struct {
	once   sync.Once
	err    error
	values map[string]string
	info   ConfigSource
}

var runtimeFile fileSource

func CurrentConfigSource() (ConfigSource, error) {
	if err := runtimeFile.load(); err != nil {
		return ConfigSource{}, err
	}
	return runtimeFile.info, nil
}

func ensureRuntimeConfigLoaded() error {
	return runtimeFile.load()
}

func (s *fileSource) load() error {
	s.once.Do(func() {
		s.values, s.info, s.err = readConfigFile()
	})
	return s.err
}

func (s *fileSource) get(key string) string {
	if s.load() != nil {
		return ""
	}
	return strings.TrimSpace(s.values[key])
}

func readConfigFile() (map[string]string, ConfigSource, error) {
	info := ConfigSource{Phase: strings.TrimSpace(os.Getenv("CONFIG_PHASE"))}
	if info.Phase == "" {
		info.Phase = "local"
	}

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	explicit := path != ""
	if !explicit {
		path = filepath.Join("config", "config-"+info.Phase+".yaml")
	}
	info.Path = path

	body, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return map[string]string{}, info, nil
	case err != nil:
		return nil, info, fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, info, fmt.Errorf("parse config file %q: %w", path, err)
	}
	values, err := flattenConfig(raw)
	if err != nil {
		return nil, info, fmt.Errorf("flatten config file %q: %w", path, err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		info.Path = abs
	}
	info.Loaded = true
	return values, info, nil
}

// flattenConfig maps nested YAML onto environment-style keys: relayer.poll-interval
// becomes RELAYER_POLL_INTERVAL and scalar lists become comma-joined values.
func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	if err := flattenInto(out, "", raw); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out map[string]string, prefix string, value any) error {
	switch typed := value.(type) {
	case nil:
		return nil
	case map[string]any:
		for key, child := range typed {
			if err := flattenChild(out, prefix, key, child); err != nil {
				return err
			}
		}
	case map[any]any:
		for key, child := range typed {
			name, ok := key.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", key, prefix)
			}
			if err := flattenChild(out, prefix, name, child); err != nil {
				return err
			}
		}
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			switch item.(type) {
			case map[string]any, map[any]any, []any:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
			if text := strings.TrimSpace(fmt.Sprint(item)); text != "" && item != nil {
				items = append(items, text)
			}
		}
		out[prefix] = strings.Join(items, ",")
	default:
		out[prefix] = fmt.Sprint(typed)
	}
	return nil
}

func flattenChild(out map[string]string, prefix, key string, child any) error {
	segment := normalizeKeySegment(key)
	if segment == "" {
		return nil
	}
	if prefix != "" {
		segment = prefix + "_" + segment
	}
	return flattenInto(out, segment, child)
}

func normalizeKeySegment(raw string) string {
	words := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.ToUpper(strings.Join(words, "_"))
}
