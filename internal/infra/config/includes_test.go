package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncludesMergeAndMainWins(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "bus.yaml", `
bus:
  default_grant_expiration: 10m
  slow_event_threshold: 2s
`)
	main := writeConfig(t, dir, "config.yaml", `
includes:
  - bus.yaml
bus:
  default_grant_expiration: 20m
`)

	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, cfg.Bus.DefaultGrantExpiration, "main file overrides include")
	assert.Equal(t, 2*time.Second, cfg.Bus.SlowEventThreshold, "include fills unset fields")
	assert.Nil(t, cfg.Includes)
}

func TestIncludesGlobAndNested(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "conf.d"), 0o755))
	writeConfig(t, filepath.Join(dir, "conf.d"), "a.yaml", "includes: [deeper.yaml]\nlogger:\n  format: json\n")
	writeConfig(t, filepath.Join(dir, "conf.d"), "deeper.yaml", "logger:\n  level: debug\n")
	main := writeConfig(t, dir, "config.yaml", "includes: [\"conf.d/a*.yaml\"]\n")

	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestIncludesGlobNoMatchIsNotError(t *testing.T) {
	dir := t.TempDir()
	main := writeConfig(t, dir, "config.yaml", "includes: [\"extra/*.yaml\"]\n")
	_, err := Load(main)
	assert.NoError(t, err)
}

func TestIncludesMissingLiteralFails(t *testing.T) {
	dir := t.TempDir()
	main := writeConfig(t, dir, "config.yaml", "includes: [missing.yaml]\n")
	_, err := Load(main)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestIncludesCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "includes: [b.yaml]\n")
	writeConfig(t, dir, "b.yaml", "includes: [a.yaml]\n")
	main := writeConfig(t, dir, "config.yaml", "includes: [a.yaml]\n")

	_, err := Load(main)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular include")
}

func TestIncludesEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeConfig(t, dir, "outside.yaml", "logger:\n  level: debug\n")
	main := writeConfig(t, sub, "config.yaml", "includes: [../outside.yaml]\n")

	_, err := Load(main)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes config directory")
}
