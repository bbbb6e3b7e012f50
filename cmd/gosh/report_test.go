// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosh-builder/internal/issue"
)

func TestValidationReport(t *testing.T) {
	t.Parallel()

	report := validationReport(&issue.ValidationError{
		Path:       "sbom.spdx.json",
		Missing:    []string{"file gosh://0:a/d/r:abc:go.sum"},
		Unexpected: []string{"library gosh://0:a/d/r:def"},
	})

	assert.Contains(t, report, "# Bill of materials differs from `sbom.spdx.json`")
	assert.Contains(t, report, "## Committed but not fetched\n\n- `file gosh://0:a/d/r:abc:go.sum`\n")
	assert.Contains(t, report, "## Fetched but not committed\n\n- `library gosh://0:a/d/r:def`\n")

	onlyMissing := validationReport(&issue.ValidationError{Path: "x", Missing: []string{"a"}})
	assert.NotContains(t, onlyMissing, "Fetched but not committed")
}

func TestReportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code int
	}{
		{
			name: "validation mismatch",
			err:  &issue.ValidationError{Path: "sbom.spdx.json", Unexpected: []string{"library x"}},
			code: issue.ExitValidation,
		},
		{
			name: "build failure keeps the engine status",
			err:  &issue.BuildError{ExitCode: 42, Engine: "docker"},
			code: 42,
		},
		{
			name: "config error with suggestions",
			err: issue.NewErrorContext().
				WithKind(issue.ErrConfig).
				WithOperation("read build config").
				WithResource("Gosh.yaml").
				WithSuggestion("Pass --config with the path of your build description").
				Wrap(errors.New("no such file")).
				BuildError(),
			code: issue.ExitConfig,
		},
		{
			name: "uncategorised",
			err:  errors.New("boom"),
			code: issue.ExitFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			err := reportError(&out, tt.err, false)

			var exitErr *ExitError
			require.True(t, errors.As(err, &exitErr))
			assert.Equal(t, tt.code, exitErr.Code)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.err.Error(), err.Error())
			if issue.ForError(tt.err) != nil {
				assert.NotEmpty(t, out.String())
			}
		})
	}
}

func TestExitError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "exit status 3", (&ExitError{Code: 3}).Error())

	cause := errors.New("failed")
	err := &ExitError{Code: 1, Err: cause}
	assert.Equal(t, "failed", err.Error())
	assert.ErrorIs(t, err, cause)
}
