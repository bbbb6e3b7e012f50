// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Base carries the lifecycle state shared by long-running services.
// Concrete services embed it and drive the transitions from Start and Stop.
//
// Besides goroutine tracking, Base counts in-flight requests so that Stop can
// give them a bounded grace period before forcing connections closed.
//
// A Base is single-use: once stopped or failed, create a new instance.
type Base struct {
	state   atomic.Int32
	stateMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedCh chan struct{}
	errCh     chan error
	lastErr   error

	// reqMu orders BeginRequest against the Stopping transition so no request
	// is admitted after DrainRequests started waiting.
	reqMu    sync.RWMutex
	inflight sync.WaitGroup
	active   atomic.Int64
}

// NewBase creates a Base in the Created state.
func NewBase() *Base {
	b := &Base{
		startedCh: make(chan struct{}),
		errCh:     make(chan error, 1),
	}
	b.state.Store(int32(StateCreated))
	return b
}

// State returns the current state.
func (b *Base) State() State {
	return State(b.state.Load())
}

// IsRunning returns true if the service is in the Running state.
func (b *Base) IsRunning() bool {
	return b.State() == StateRunning
}

// Err returns a channel for receiving async errors.
func (b *Base) Err() <-chan error {
	return b.errCh
}

// LastError returns the error that caused the Failed state, or nil.
func (b *Base) LastError() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.lastErr
}

// TransitionToStarting moves Created to Starting and sets up the internal
// context. It fails when the state is not Created or ctx is already done.
func (b *Base) TransitionToStarting(ctx context.Context) error {
	// Checked before the CAS so the serve goroutine can never reach Running
	// with a cancelled caller context.
	select {
	case <-ctx.Done():
		b.TransitionToFailed(fmt.Errorf("context cancelled before start: %w", ctx.Err()))
		return b.LastError()
	default:
	}

	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start server in state %s", b.State())
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	return nil
}

// TransitionToRunning marks the service ready and releases WaitForReady callers.
func (b *Base) TransitionToRunning() {
	if b.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(b.startedCh)
	}
}

// TransitionToFailed records err, marks the service failed and publishes err
// on the error channel without blocking.
func (b *Base) TransitionToFailed(err error) {
	b.stateMu.Lock()
	b.lastErr = err
	b.stateMu.Unlock()

	b.state.Store(int32(StateFailed))

	if b.cancel != nil {
		b.cancel()
	}

	b.SendError(err)
}

// TransitionToStopping moves Starting or Running to Stopping and cancels the
// internal context. It returns false when there is nothing to stop.
func (b *Base) TransitionToStopping() bool {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	for {
		current := State(b.state.Load())
		switch current {
		case StateStopped, StateFailed, StateStopping:
			return false
		case StateCreated:
			if b.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				return false
			}
		case StateStarting, StateRunning:
			if !b.state.CompareAndSwap(int32(current), int32(StateStopping)) {
				continue
			}
			if b.cancel != nil {
				b.cancel()
			}
			return true
		default:
			return false
		}
	}
}

// TransitionToStopped marks the service fully stopped.
// Must be called after all goroutines have exited.
func (b *Base) TransitionToStopped() {
	b.state.Store(int32(StateStopped))
}

// WaitForReady blocks until the service is running or ctx is done.
func (b *Base) WaitForReady(ctx context.Context) error {
	select {
	case <-b.startedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for server ready: %w", ctx.Err())
	}
}

// WaitForShutdown blocks until all tracked goroutines have completed.
func (b *Base) WaitForShutdown() {
	b.wg.Wait()
}

// Context returns the service context, or nil before Start.
func (b *Base) Context() context.Context {
	return b.ctx
}

// AddGoroutine must be called before starting a tracked goroutine.
func (b *Base) AddGoroutine() {
	b.wg.Add(1)
}

// DoneGoroutine must be deferred at the start of each tracked goroutine.
func (b *Base) DoneGoroutine() {
	b.wg.Done()
}

// BeginRequest admits one request. It returns false once the service is
// stopping; callers must reject the request in that case and must not call
// EndRequest.
func (b *Base) BeginRequest() bool {
	b.reqMu.RLock()
	defer b.reqMu.RUnlock()

	if b.State() != StateRunning {
		return false
	}
	b.inflight.Add(1)
	b.active.Add(1)
	return true
}

// EndRequest releases a request admitted by BeginRequest.
func (b *Base) EndRequest() {
	b.active.Add(-1)
	b.inflight.Done()
}

// ActiveRequests returns the number of admitted requests not yet ended.
func (b *Base) ActiveRequests() int64 {
	return b.active.Load()
}

// DrainRequests waits up to grace for admitted requests to end. It returns
// true if they all ended in time.
func (b *Base) DrainRequests(grace time.Duration) bool {
	if b.active.Load() == 0 {
		return true
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// SendError publishes err without blocking; it is dropped when the channel is full.
func (b *Base) SendError(err error) {
	select {
	case b.errCh <- err:
	default:
	}
}

// CloseErrChannel closes the error channel. Call once, after stopping.
func (b *Base) CloseErrChannel() {
	close(b.errCh)
}

// StartedChannel is closed when the service transitions to Running.
func (b *Base) StartedChannel() <-chan struct{} {
	return b.startedCh
}
