package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/marginalia/config"
	"github.com/zlnvch/marginalia/models"
)

const tomlConfig = `
[store]
url = "https://store.example.edu/api"

[session]
user_id = "42"
username = "ada"
consumer_key = "key"
consumer_secret = "c2VjcmV0"

[dashboard]
object_id = "obj-1"
context_id = "course-1"
collection_id = "hw-1"
media = "image"
pagination = 25
tag_colors = "important:red"
`

const yamlConfig = `
store:
  url: https://store.example.edu/api
session:
  user_id: "42"
  consumer_secret: c2VjcmV0
dashboard:
  object_id: obj-1
  context_id: course-1
  collection_id: hw-1
  media: text
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "marginalia.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://store.example.edu/api", cfg.Store.URL)
	assert.Equal(t, 25, cfg.Dashboard.Pagination)
	assert.Equal(t, models.Scope{ObjectId: "obj-1", ContextId: "course-1", CollectionId: "hw-1", Media: models.MediaImage}, cfg.Scope())

	// Defaults survive partial files
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 100, cfg.Dashboard.PollAttempts)

	secret, err := cfg.Secret()
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), secret)
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "marginalia.yaml", yamlConfig))
	require.NoError(t, err)
	assert.Equal(t, "42", cfg.Session.UserId)
	assert.Equal(t, 50, cfg.Dashboard.Pagination)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MARGINALIA_PAGINATION", "10")
	t.Setenv("MARGINALIA_INSTRUCTOR", "true")
	t.Setenv("MARGINALIA_MEDIA", "video")

	cfg, err := config.Load(writeFile(t, "marginalia.toml", tomlConfig))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Dashboard.Pagination)
	assert.True(t, cfg.Session.Instructor)
	assert.Equal(t, models.MediaVideo, cfg.Scope().Media)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	// Defaults alone are not a valid runner configuration
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.url is required")
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	_, err := config.Load(writeFile(t, "marginalia.ini", "x=1"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.Store.URL = "http://localhost"
	cfg.Session.UserId = "1"
	cfg.Session.ConsumerSecret = "c2VjcmV0"
	cfg.Dashboard.ObjectId = "o"
	cfg.Dashboard.ContextId = "c"
	cfg.Dashboard.CollectionId = "k"
	assert.NoError(t, cfg.Validate())

	cfg.Dashboard.Media = "comment"
	assert.Error(t, cfg.Validate())

	cfg.Dashboard.Media = "text"
	cfg.Dashboard.Pagination = 0
	assert.Error(t, cfg.Validate())

	cfg.Dashboard.Pagination = 5
	cfg.Session.ConsumerSecret = "!!not base64"
	assert.Error(t, cfg.Validate())
}
