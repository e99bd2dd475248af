package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/ptydeck/internal/config"
)

func TestWriteConfigTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", config.FileName)

	created, err := writeConfigTemplate(path, false)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := config.LoadFile(path)
	require.NoError(t, err, "the template must parse")
	assert.Equal(t, "127.0.0.1:8420", cfg.ListenAddr())
	assert.Equal(t, 1000, cfg.EventCapacity())

	require.NoError(t, os.WriteFile(path, []byte("[web]\nlisten = \":1\"\n"), 0o600))
	created, err = writeConfigTemplate(path, false)
	require.NoError(t, err)
	assert.False(t, created, "existing files are kept without --force")
	raw, _ := os.ReadFile(path)
	assert.Contains(t, string(raw), `":1"`)

	created, err = writeConfigTemplate(path, true)
	require.NoError(t, err)
	assert.True(t, created)
	raw, _ = os.ReadFile(path)
	assert.Equal(t, configTemplate, string(raw))
}

func TestPolicyName(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "keep-waiting", policyName(cfg))
	cfg.Events.OutputPolicy = "resume-work"
	assert.Equal(t, "resume-work", policyName(cfg))
}
