// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers shared by package tests: fixture git
// repositories built with go-git, a guard for tests that need the git
// executable, and cleanup of started services.
package testutil
