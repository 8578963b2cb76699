package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	daemonerrors "github.com/aesterisk/aesterisk/internal/daemon/errors"
)

func TestLoadOrCreateRequiresUUID(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.toml")

	_, err := LoadOrCreate(file, Overrides{})
	assert.ErrorIs(t, err, daemonerrors.ErrMissingUUID)

	// The default file was still written for the operator to edit.
	_, err = os.Stat(file)
	assert.NoError(t, err)
}

func TestOverridesWin(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.toml")

	contents := `
[daemon]
uuid = "11111111-1111-4111-8111-111111111111"
public_key = "daemon.pub"
private_key = "daemon.pem"

[server]
url = "wss://daemon.server.aesterisk.io"
public_key = "server.pub"

[logging]
folder = "./logs"
`
	require.NoError(t, os.WriteFile(file, []byte(contents), 0o644))

	cfg, err := LoadOrCreate(file, Overrides{
		DaemonUUID: "22222222-2222-4222-8222-222222222222",
		ServerURL:  "ws://127.0.0.1:31304",
		LogsFolder: "/tmp/logs",
	})
	require.NoError(t, err)

	assert.Equal(t, "22222222-2222-4222-8222-222222222222", cfg.Daemon.UUID)
	assert.Equal(t, "ws://127.0.0.1:31304", cfg.Server.URL)
	assert.Equal(t, "/tmp/logs", cfg.Logging.Folder)
	// Untouched fields keep their file values.
	assert.Equal(t, "daemon.pub", cfg.Daemon.PublicKey)
	assert.Equal(t, "server.pub", cfg.Server.PublicKey)
}

func TestUUIDViaOverrideOnFreshFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := LoadOrCreate(file, Overrides{DaemonUUID: "11111111-1111-4111-8111-111111111111"})
	require.NoError(t, err)
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", cfg.Daemon.UUID)
}
