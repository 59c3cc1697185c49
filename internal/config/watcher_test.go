package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestWatcher_ReloadsPolicyOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, "health:\n  moderate_z: -1.5\n", 0600)

	initial, err := LoadWithFile(configPath)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(configPath, initial, func(old, updated *Config) {
		select {
		case reloaded <- updated:
		default:
		}
	}, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Start())

	writeTestConfig(t, home, "health:\n  moderate_z: -1.1\n", 0600)

	select {
	case updated := <-reloaded:
		assert.Equal(t, -1.1, updated.Health.ModerateZ)
		assert.Equal(t, updated, w.Current())
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcher_RejectsInvalidUpdate(t *testing.T) {
	defer goleak.VerifyNone(t)

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, "health:\n  moderate_z: -1.5\n", 0600)

	initial, err := LoadWithFile(configPath)
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(configPath, initial, func(old, updated *Config) {
		reloaded <- updated
	}, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Start())

	// Positive moderate_z fails validation; the running config stays.
	writeTestConfig(t, home, "health:\n  moderate_z: 2.0\n", 0600)
	time.Sleep(1500 * time.Millisecond)

	assert.Empty(t, reloaded)
	assert.Equal(t, -1.5, w.Current().Health.ModerateZ)

	// The loop survives a rejected reload and accepts the next valid one.
	writeTestConfig(t, home, "health:\n  moderate_z: -1.3\n", 0600)

	select {
	case updated := <-reloaded:
		assert.Equal(t, -1.3, updated.Health.ModerateZ)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired after recovery")
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	home, cleanup := setupTestHome(t)
	defer cleanup()

	configPath := writeTestConfig(t, home, "", 0600)

	w, err := NewWatcher(configPath, Default(), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())

	w.Stop()
	w.Stop()
}

func TestIdentityChanges(t *testing.T) {
	old := Default()

	same := *old
	assert.Empty(t, identityChanges(old, &same))

	moved := *old
	moved.Store.Path = "/var/lib/vigild/vigild.db"
	moved.Server.Addr = "127.0.0.1:9999"
	changed := identityChanges(old, &moved)
	assert.Contains(t, changed, "store.path")
	assert.Contains(t, changed, "server.addr")

	policy := *old
	policy.Health.ModerateZ = -1.2
	policy.Prompt.Digest = 700
	assert.Empty(t, identityChanges(old, &policy))

	assert.Nil(t, identityChanges(nil, &moved))
}
