// SPDX-License-Identifier: MPL-2.0

// Package serverbase provides the lifecycle state machine shared by the
// build proxy and other long-running services.
//
// It covers atomic state reads, mutex-protected transitions, goroutine
// tracking, in-flight request accounting with a bounded drain, and
// context-based cancellation.
package serverbase
