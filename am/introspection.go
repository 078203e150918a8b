package am

import (
	"os"
	"sort"
	"strings"

	"github.com/teranos/slate/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/slate/am.toml
	SourceUser        ConfigSource = "user"        // ~/.slate/am.toml
	SourceProject     ConfigSource = "project"     // nearest am.toml
	SourceEnvironment ConfigSource = "environment" // SLATE_* env vars
)

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key" yaml:"key"`
	Value      interface{}  `json:"value" yaml:"value"`
	Source     ConfigSource `json:"source" yaml:"source"`
	SourcePath string       `json:"source_path,omitempty" yaml:"source_path,omitempty"`
}

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string
}

// ConfigIntrospection provides metadata about the active configuration
type ConfigIntrospection struct {
	Files    []ConfigFile  `json:"files" yaml:"files"`
	Settings []SettingInfo `json:"settings" yaml:"settings"`
}

// GetConfigIntrospection returns every effective setting with the source it
// was loaded from.
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	if _, err := Load(); err != nil {
		return nil, errors.Wrap(err, "failed to load config for introspection")
	}
	v := GetViper()

	loadMu.Lock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, s := range ConfigSources {
		sources[k] = s
	}
	loadMu.Unlock()

	intro := &ConfigIntrospection{Files: ConfigFiles()}
	flattenSettingsWithSources(v.AllSettings(), "", intro, sources)
	return intro, nil
}

// flattenSettingsWithSources flattens settings and assigns sources from sourceMap
func flattenSettingsWithSources(settings map[string]interface{}, prefix string, intro *ConfigIntrospection, sourceMap map[string]SourceInfo) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := settings[key]
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			flattenSettingsWithSources(nested, fullKey, intro, sourceMap)
			continue
		}

		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sourceMap[fullKey]; ok {
			info = si
		}
		if envKey, ok := envOverride(fullKey); ok {
			info = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		intro.Settings = append(intro.Settings, SettingInfo{
			Key:        fullKey,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
}

// envOverride returns the environment variable overriding key, if set.
func envOverride(key string) (string, bool) {
	candidates := []string{"SLATE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
	if key == "events.nats_url" {
		candidates = append(candidates, "NATS_URL")
	}
	for _, env := range candidates {
		if os.Getenv(env) != "" {
			return env, true
		}
	}
	return "", false
}
