package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.DHP.MaxUploadObjects)
	assert.Equal(t, 150, cfg.DHP.DownloadObjectThreshold)
	assert.Equal(t, 30, cfg.History.DaysInCache)
	assert.Equal(t, "patient", cfg.App.DefaultRole)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	yamlDoc := `
dhp:
  base_url: https://file.example.com
  max_upload_objects: 25
  timeout: 5s
history:
  days_in_cache: 14
app:
  clinical: true
  study_hash_key: abc
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0600))

	t.Setenv("BREATHSYNC_DHP_URL", "https://env.example.com")
	t.Setenv("BREATHSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.DHP.BaseURL)
	assert.Equal(t, 25, cfg.DHP.MaxUploadObjects)
	assert.Equal(t, 5*time.Second, cfg.DHP.Timeout)
	assert.Equal(t, 14, cfg.History.DaysInCache)
	assert.True(t, cfg.App.Clinical)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched sections keep their defaults
	assert.Equal(t, 150, cfg.DHP.DownloadObjectThreshold)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.History.DaysInCache)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DHP.MaxUploadObjects = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.History.DaysInCache = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.App.TimeZone = "Not/AZone"
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	cfg := Default()
	cfg.App.StudyHashKey = "hash"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hash", loaded.App.StudyHashKey)
}
