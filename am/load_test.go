package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and the working directory at fresh temp dirs and
// returns (home, project).
func isolate(t *testing.T) (string, string) {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(project)
	return home, project
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadCascade(t *testing.T) {
	home, project := isolate(t)

	writeFile(t, filepath.Join(home, ".slate", "am.toml"), `
[database]
path = "user.db"

[pulse]
retention_hours = 24
server_drive = true
`)
	writeFile(t, filepath.Join(project, "am.toml"), `
[database]
path = "project.db"

[jobs.batch-generate]
max_attempts = 5
`)
	nested := filepath.Join(project, "episodes", "s01")
	require.NoError(t, os.MkdirAll(nested, 0755))
	t.Chdir(nested)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "project.db", cfg.Database.Path, "project config wins over user config")
	assert.Equal(t, 24, cfg.Pulse.RetentionHours)
	assert.True(t, cfg.Pulse.ServerDrive)
	assert.Equal(t, 5, cfg.Jobs["batch-generate"].MaxAttempts)
	assert.Equal(t, 1500, cfg.Pulse.IntervalMS, "defaults fill the rest")

	assert.Equal(t, SourceProject, ConfigSources["database.path"].Source)
	assert.Equal(t, SourceUser, ConfigSources["pulse.retention_hours"].Source)
	assert.Contains(t, ConfigSources["pulse.retention_hours"].Path, filepath.Join(".slate", "am.toml"))
}

func TestLoadIsCached(t *testing.T) {
	_, project := isolate(t)
	writeFile(t, filepath.Join(project, "am.toml"), "[database]\npath = \"first.db\"\n")

	first, err := Load()
	require.NoError(t, err)
	writeFile(t, filepath.Join(project, "am.toml"), "[database]\npath = \"second.db\"\n")

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, again)

	Reset()
	reloaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "second.db", reloaded.Database.Path)
}

func TestEnvironmentOverridesFiles(t *testing.T) {
	_, project := isolate(t)
	writeFile(t, filepath.Join(project, "am.toml"), "[pulse]\nretention_hours = 24\n")
	t.Setenv("SLATE_PULSE_RETENTION_HOURS", "12")
	t.Setenv("NATS_URL", "nats://bus:4222")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Pulse.RetentionHours)
	assert.Equal(t, "nats://bus:4222", cfg.Events.NatsURL)

	intro, err := GetConfigIntrospection()
	require.NoError(t, err)
	byKey := map[string]SettingInfo{}
	for _, s := range intro.Settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, SourceEnvironment, byKey["pulse.retention_hours"].Source)
	assert.Equal(t, "SLATE_PULSE_RETENTION_HOURS", byKey["pulse.retention_hours"].SourcePath)
	assert.Equal(t, SourceEnvironment, byKey["events.nats_url"].Source)
	assert.Equal(t, SourceDefault, byKey["server.bind"].Source)
}

func TestConfigFiles(t *testing.T) {
	home, project := isolate(t)
	writeFile(t, filepath.Join(project, "am.toml"), "")

	files := ConfigFiles()
	require.Len(t, files, 3)
	assert.Equal(t, SourceSystem, files[0].Source)
	assert.Equal(t, filepath.Join(home, ".slate", "am.toml"), files[1].Path)
	assert.False(t, files[1].Exists)
	assert.Equal(t, SourceProject, files[2].Source)
	assert.True(t, files[2].Exists)
}

func TestFindProjectConfigNone(t *testing.T) {
	isolate(t)
	// Temp dirs normally have no am.toml above them.
	if found := FindProjectConfig(); found != "" {
		t.Skipf("an am.toml exists above the temp dir: %s", found)
	}
	assert.Len(t, ConfigFiles(), 2)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studio.toml")
	writeFile(t, path, `
[server]
port = 9100

[work]
endpoint = "https://render.internal/work"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.GetServerPort())
	assert.Equal(t, "https://render.internal/work", cfg.Work.Endpoint)
	assert.Equal(t, 60, cfg.Work.TimeoutSeconds)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
