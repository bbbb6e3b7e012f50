// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosh-builder/internal/issue"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings(NewViper())
	require.NoError(t, err)

	assert.Equal(t, DefaultSocket, s.Socket)
	assert.Equal(t, DefaultConfigPath, s.ConfigPath)
	assert.Equal(t, DefaultSBOMPath, s.SBOMPath)
	assert.Equal(t, DefaultEngine, s.Engine)
	assert.Equal(t, DefaultShutdownTimeout, s.ShutdownTimeout)
	assert.False(t, s.Quiet)
	assert.False(t, s.Validate)
}

func TestLoadSettings_Env(t *testing.T) {
	t.Setenv("SBOM_OUT", "out/bom.json")
	t.Setenv("GOSH_ENGINE", "podman")
	t.Setenv("GOSH_SHUTDOWN_TIMEOUT", "3s")

	s, err := LoadSettings(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "out/bom.json", s.SBOMPath)
	assert.Equal(t, "podman", s.Engine)
	assert.Equal(t, 3*time.Second, s.ShutdownTimeout)
}

func TestLoadSettings_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("GOSH_SOCKET", "127.0.0.1:9999")

	flags := pflag.NewFlagSet("build", pflag.ContinueOnError)
	flags.String("socket", DefaultSocket, "")
	flags.Bool("quiet", false, "")
	flags.String("cache-dir", "", "")
	require.NoError(t, flags.Parse([]string{"--socket", "127.0.0.1:0", "--quiet", "--cache-dir", "/tmp/c"}))

	v := NewViper()
	require.NoError(t, BindFlags(v, flags))

	s, err := LoadSettings(v)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", s.Socket)
	assert.True(t, s.Quiet)
	assert.Equal(t, "/tmp/c", s.CacheDir)
}

func TestSettings_Check(t *testing.T) {
	t.Parallel()

	bad := []Settings{
		{Socket: "no-port", Engine: "docker"},
		{Socket: DefaultSocket, Engine: "buildah"},
	}
	for _, s := range bad {
		err := s.Check()
		assert.True(t, errors.Is(err, issue.ErrConfig), "settings %+v: %v", s, err)
	}
}

func TestSettings_CheckFillsDefaults(t *testing.T) {
	t.Parallel()

	s := Settings{Socket: DefaultSocket, Engine: "podman", Validate: true}
	require.NoError(t, s.Check())
	assert.True(t, s.Validate, "the validate switch is a setting, not the check")
	assert.Equal(t, DefaultSBOMPath, s.SBOMPath)
	assert.Equal(t, DefaultShutdownTimeout, s.ShutdownTimeout)
}
