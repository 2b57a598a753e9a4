package main

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestKeygen(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keygen"})
	require.NoError(t, cmd.Execute())

	key, err := hex.DecodeString(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hammer.toml")
	data := "listen = \"127.0.0.1:9000\"\nbackend = \"127.0.0.1:80\"\nkey = \"" + testKey + "\"\nloops = 3\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	var f flags
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-c", path, "--backend", "10.1.1.1:8080"}))
	f.config = path
	f.backend = "10.1.1.1:8080"

	cfg, err := loadConfig(cmd, &f)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "10.1.1.1:8080", cfg.Backend)
	assert.Equal(t, 3, cfg.Loops)
}

func TestMissingKeyFails(t *testing.T) {
	t.Setenv("HAMMER_KEY", "")
	var f flags
	cmd := newRootCmd()
	_, err := loadConfig(cmd, &f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key")
}
