// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"

	"gosh-builder/internal/issue"
)

// maxConfigSize bounds a build description read from any source.
const maxConfigSize = 1 << 20

//go:embed build_schema.cue
var buildSchema string

// Format is the syntax of a build description.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatCUE  Format = "cue"
)

type (
	// Source reads files relative to a build context. Paths use forward slashes.
	Source interface {
		ReadFile(ctx context.Context, name string) ([]byte, error)
	}

	// DirSource reads from the local filesystem, relative to Root.
	DirSource struct {
		Root string
	}

	// LoadOptions controls Load.
	LoadOptions struct {
		// Env resolves ${VAR} references in build arguments. Defaults to os.Getenv.
		Env func(string) string
	}

	// Build is a build description with its Dockerfile content resolved.
	Build struct {
		Config *BuildConfig
		// ConfigPath is the description's path inside the source.
		ConfigPath string
		// Dockerfile is the Dockerfile content streamed to the engine.
		Dockerfile string
	}
)

// ReadFile implements Source.
func (s DirSource) ReadFile(_ context.Context, name string) ([]byte, error) {
	p := filepath.FromSlash(name)
	if !filepath.IsAbs(p) && s.Root != "" {
		p = filepath.Join(s.Root, p)
	}
	return os.ReadFile(p)
}

// FormatFor infers the format from the file extension. Unknown extensions
// are read as YAML.
func FormatFor(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".toml":
		return FormatTOML
	case ".cue":
		return FormatCUE
	default:
		return FormatYAML
	}
}

// Load reads the build description at name from src, validates it and
// resolves a relative path-form Dockerfile against the description's
// directory. Absolute Dockerfile paths are read as given.
func Load(ctx context.Context, src Source, name string, opts LoadOptions) (*Build, error) {
	name = filepath.ToSlash(name)

	data, err := src.ReadFile(ctx, name)
	if err != nil {
		return nil, configError("read build config", name, err,
			"Pass --config with the path of your build description")
	}

	cfg, err := Parse(data, name, opts)
	if err != nil {
		return nil, err
	}

	b := &Build{Config: cfg, ConfigPath: name, Dockerfile: cfg.Dockerfile.Content}
	if cfg.Dockerfile.IsPath() {
		dfPath := filepath.ToSlash(cfg.Dockerfile.Path)
		if !path.IsAbs(dfPath) && !filepath.IsAbs(cfg.Dockerfile.Path) {
			dfPath = path.Join(path.Dir(name), dfPath)
		}
		content, err := src.ReadFile(ctx, dfPath)
		if err != nil {
			return nil, configError("read dockerfile", dfPath, err,
				"Dockerfile paths are relative to the build config")
		}
		b.Dockerfile = string(content)
	}
	return b, nil
}

// Parse validates and decodes a build description. name selects the format
// and is used in error messages.
func Parse(data []byte, name string, opts LoadOptions) (*BuildConfig, error) {
	if len(data) > maxConfigSize {
		return nil, configError("parse build config", name,
			fmt.Errorf("file is %d bytes, limit is %d", len(data), maxConfigSize))
	}

	cctx := cuecontext.New()
	schemaValue := cctx.CompileString(buildSchema)
	if schemaValue.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile build schema: %w", schemaValue.Err())
	}

	format := FormatFor(name)
	userValue, err := compile(cctx, data, name, format)
	if err != nil {
		return nil, configError("parse build config", name, err, syntaxHint(format))
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, configError("validate build config", name, formatCUEError(err),
			"Set dockerfile to inline content or to {path: <file>}",
			"Build argument values must be strings")
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, configError("validate build config", name, formatCUEError(err))
	}
	var cfg BuildConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, configError("decode build config", name, err)
	}

	if err := cfg.expandArgs(opts.env()); err != nil {
		return nil, configError("expand build args", name, err)
	}
	return &cfg, nil
}

func compile(cctx *cue.Context, data []byte, name string, format Format) (cue.Value, error) {
	switch format {
	case FormatCUE:
		v := cctx.CompileBytes(data, cue.Filename(name))
		if v.Err() != nil {
			return cue.Value{}, formatCUEError(v.Err())
		}
		return v, nil
	case FormatTOML:
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return cue.Value{}, err
		}
		return encode(cctx, m)
	default:
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return cue.Value{}, err
		}
		return encode(cctx, m)
	}
}

func encode(cctx *cue.Context, m map[string]any) (cue.Value, error) {
	if m == nil {
		m = map[string]any{}
	}
	v := cctx.Encode(m)
	if v.Err() != nil {
		return cue.Value{}, formatCUEError(v.Err())
	}
	return v, nil
}

// expandArgs expands ${VAR} references and rejects proxy overrides.
func (c *BuildConfig) expandArgs(env func(string) string) error {
	for _, name := range slices.Sorted(maps.Keys(c.Args)) {
		if IsReservedArg(name) {
			return fmt.Errorf("%w: %s is set by the build proxy", ErrReservedArg, name)
		}
		expanded, err := shell.Expand(c.Args[name], env)
		if err != nil {
			return fmt.Errorf("arg %s: %w", name, err)
		}
		c.Args[name] = expanded
	}
	return nil
}

func (o LoadOptions) env() func(string) string {
	if o.Env != nil {
		return o.Env
	}
	return os.Getenv
}

func formatCUEError(err error) error {
	details := strings.TrimSpace(cueerrors.Details(err, nil))
	if details == "" {
		return err
	}
	return fmt.Errorf("%s", details)
}

func syntaxHint(format Format) string {
	switch format {
	case FormatTOML:
		return "Check the file is valid TOML"
	case FormatCUE:
		return "Check the file is valid CUE"
	default:
		return "Check the file is valid YAML"
	}
}

func configError(op, resource string, cause error, suggestions ...string) error {
	return issue.NewErrorContext().
		WithKind(issue.ErrConfig).
		WithOperation(op).
		WithResource(resource).
		WithSuggestions(suggestions...).
		Wrap(cause).
		BuildError()
}
