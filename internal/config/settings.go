// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gosh-builder/internal/issue"
)

const (
	// EnvPrefix prefixes every settings environment variable.
	EnvPrefix = "GOSH"

	DefaultSocket          = "127.0.0.1:6054"
	DefaultConfigPath      = "Gosh.yaml"
	DefaultSBOMPath        = "sbom.spdx.json"
	DefaultEngine          = "docker"
	DefaultShutdownTimeout = 10 * time.Second
)

// Settings are the runtime knobs of a build session.
type Settings struct {
	Socket          string        `mapstructure:"socket"`
	ConfigPath      string        `mapstructure:"config"`
	Quiet           bool          `mapstructure:"quiet"`
	Validate        bool          `mapstructure:"validate"`
	CacheDir        string        `mapstructure:"cache_dir"`
	Engine          string        `mapstructure:"engine"`
	SBOMPath        string        `mapstructure:"sbom_out"`
	Verbose         bool          `mapstructure:"verbose"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NewViper returns a Viper instance with defaults and environment bindings.
// SBOM_OUT is honoured alongside GOSH_SBOM_OUT.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("socket", DefaultSocket)
	v.SetDefault("config", DefaultConfigPath)
	v.SetDefault("quiet", false)
	v.SetDefault("validate", false)
	v.SetDefault("cache_dir", "")
	v.SetDefault("engine", DefaultEngine)
	v.SetDefault("sbom_out", DefaultSBOMPath)
	v.SetDefault("verbose", false)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)

	_ = v.BindEnv("sbom_out", "GOSH_SBOM_OUT", "SBOM_OUT")

	return v
}

// BindFlags binds command flags to settings keys. Flag names use dashes;
// keys use underscores.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

// LoadSettings decodes and validates the settings held by v.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, issue.WrapWithContext(err, issue.ErrConfig, "decode settings", "")
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Check checks the settings for values the session cannot use.
func (s *Settings) Check() error {
	if _, _, err := net.SplitHostPort(s.Socket); err != nil {
		return issue.NewErrorContext().
			WithKind(issue.ErrConfig).
			WithOperation("parse proxy address").
			WithResource(s.Socket).
			WithSuggestion("Use HOST:PORT, for example " + DefaultSocket).
			Wrap(err).
			BuildError()
	}
	switch s.Engine {
	case "docker", "podman":
	default:
		return issue.NewErrorContext().
			WithKind(issue.ErrConfig).
			WithOperation("select container engine").
			WithResource(s.Engine).
			WithSuggestion("Use --engine docker or --engine podman").
			Wrap(fmt.Errorf("unknown engine %q", s.Engine)).
			BuildError()
	}
	if s.SBOMPath == "" {
		s.SBOMPath = DefaultSBOMPath
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
