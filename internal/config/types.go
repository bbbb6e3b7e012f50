// SPDX-License-Identifier: MPL-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Build arguments the session injects to route traffic through the proxy.
// User configuration may not set them.
const (
	ArgHTTPProxy     = "http_proxy"
	ArgHTTPSProxy    = "https_proxy"
	ArgGoshHTTPProxy = "GOSH_HTTP_PROXY"
)

// ErrReservedArg is returned when a build description overrides a proxy argument.
var ErrReservedArg = errors.New("reserved build argument")

type (
	// Dockerfile is either inline content or a path relative to the build
	// description. Exactly one field is set.
	Dockerfile struct {
		Content string
		Path    string
	}

	// BuildConfig is a validated build description. Install lists paths
	// the image installs; it is carried for tooling and not used by the build.
	BuildConfig struct {
		Dockerfile Dockerfile        `json:"dockerfile"`
		Tag        string            `json:"tag,omitempty"`
		Args       map[string]string `json:"args,omitempty"`
		Install    []string          `json:"install,omitempty"`
	}

	dockerfilePath struct {
		Path string `json:"path"`
	}
)

// IsPath reports whether the Dockerfile refers to a file.
func (d Dockerfile) IsPath() bool {
	return d.Path != ""
}

// UnmarshalJSON picks the variant from the value's shape: an object is a
// path reference, a string is inline content.
func (d *Dockerfile) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var p dockerfilePath
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("dockerfile: %w", err)
		}
		if p.Path == "" {
			return errors.New("dockerfile: path must not be empty")
		}
		*d = Dockerfile{Path: p.Path}
		return nil
	}

	var content string
	if err := json.Unmarshal(data, &content); err != nil {
		return fmt.Errorf("dockerfile: expected string or {path: ...}: %w", err)
	}
	*d = Dockerfile{Content: content}
	return nil
}

// MarshalJSON writes the variant back in the shape it was read from.
func (d Dockerfile) MarshalJSON() ([]byte, error) {
	if d.IsPath() {
		return json.Marshal(dockerfilePath{Path: d.Path})
	}
	return json.Marshal(d.Content)
}

// IsReservedArg reports whether name collides with a proxy argument. Docker
// treats the proxy variables case-insensitively, so the check does too.
func IsReservedArg(name string) bool {
	for _, reserved := range []string{ArgHTTPProxy, ArgHTTPSProxy, ArgGoshHTTPProxy} {
		if strings.EqualFold(name, reserved) {
			return true
		}
	}
	return false
}
