package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

const minimalConfig = `
challenges:
  - id: fizzbuzz
    language: python
    image: codejam/python:latest
    mount_dest: /app/code
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 2, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "if-not-present", cfg.Sandbox.PullPolicy)
	assert.Equal(t, time.Second, cfg.QueueTick())
	assert.Equal(t, 2*time.Second, cfg.FeedbackDelay())
	assert.Equal(t, time.Minute, cfg.JamTick())

	require.Len(t, cfg.Challenges, 1)
	assert.Equal(t, 10, cfg.Challenges[0].Points)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidateBadDriver(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig+`
database:
  driver: oracle
`))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "unsupported database driver")
}

func TestValidateDuplicateChallenge(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
challenges:
  - id: fizzbuzz
    language: python
    image: codejam/python:latest
    mount_dest: /app/code
  - id: fizzbuzz
    language: python
    image: codejam/python:v2
    mount_dest: /app/code
`))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "duplicate")
}

func TestValidateDifferentLanguagesSameChallenge(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
challenges:
  - id: fizzbuzz
    language: python
    image: codejam/python:latest
    mount_dest: /app/code
  - id: fizzbuzz
    language: javascript
    image: codejam/node:latest
    mount_dest: /app/code
`))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidateArchiveCredentials(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig+`
archive:
  enabled: true
  bucket: reports
`))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "access_key")
}

func TestValidateNoChallenges(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
global:
  log_level: debug
`))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "challenge")
}
