// SPDX-License-Identifier: MPL-2.0

package serverbase

import "fmt"

const (
	// StateCreated: constructed, Start not yet called.
	StateCreated State = iota
	// StateStarting: binding the listener.
	StateStarting
	// StateRunning: accepting requests.
	StateRunning
	// StateStopping: Stop called, draining in-flight requests.
	StateStopping
	// StateStopped is terminal.
	StateStopped
	// StateFailed is terminal: start failed or the serve loop died.
	StateFailed
)

// State is the lifecycle state of a service.
type State int32

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}
