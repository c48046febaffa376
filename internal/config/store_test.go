package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedsDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "config.json"), nil)

	require.NoError(t, s.Load())
	doc := s.Get()
	require.NotNil(t, doc)
	assert.Equal(t, "fair-share", doc.Daemon.SchedulingStrategy)
}

func TestUpdateHotKeyDoesNotRequireRestart(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "config.json"), nil)
	require.NoError(t, s.Load())

	restart, err := s.Set("logging.level", "debug")
	require.NoError(t, err)
	assert.False(t, restart)

	v, ok, err := s.GetPath("logging.level")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "debug", v)
}

func TestUpdateColdKeyFlagsRestart(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "config.json"), nil)
	require.NoError(t, s.Load())

	restart, err := s.Set("daemon.socket_path", "other.sock")
	require.NoError(t, err)
	assert.True(t, restart)
}

func TestUpdateRollsBackOnInvalidValue(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "config.json"), nil)
	require.NoError(t, s.Load())

	before := s.Get()
	_, err := s.Set("daemon.scheduling_strategy", "not-a-real-strategy")
	require.Error(t, err)

	after := s.Get()
	assert.Equal(t, before.Daemon.SchedulingStrategy, after.Daemon.SchedulingStrategy, "invalid update must not mutate the live document")
}

func TestGetReturnsDeepClone(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "config.json"), nil)
	require.NoError(t, s.Load())

	a := s.Get()
	a.Registry.DiscoveryPaths = append(a.Registry.DiscoveryPaths, "/tmp/mutated")

	b := s.Get()
	assert.Empty(t, b.Registry.DiscoveryPaths, "mutating a returned clone must not affect the stored document")
}

func TestValidateRejectsUnknownTopLevelKey(t *testing.T) {
	_, err := Validate([]byte(`{"version":1,"daemon":{},"task_queue":{},"worker_pool":{},"resources":{},"defaults":{},"logging":{},"bogus_section":true}`))
	require.Error(t, err)
}
