// SPDX-License-Identifier: MPL-2.0

// Package issue provides the error taxonomy for build sessions and actionable
// error handling with user-friendly messages.
//
// Errors carry one of the category sentinels (ErrConfig, ErrCache, ErrNetwork,
// ErrBuild, ErrValidation) which ExitCode maps to the process exit status,
// and the catalog renders Markdown guidance for each category.
package issue
