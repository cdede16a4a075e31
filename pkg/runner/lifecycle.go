package runner

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LifecycleRunner runs a process until its context is cancelled, then
// drains. Drain gets a bounded window; a hung drain surfaces as an
// error instead of blocking shutdown forever.
type LifecycleRunner struct {
	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	hooks   Hooks
	drainer Drainer
	stopped sync.Once
	stopErr error
	timeout time.Duration
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:   StateNew,
		cancel:  func() {},
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
}

// Run blocks until ctx is cancelled or Stop is called, then drains.
// A runner runs once; a second Run is an error.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.advance(StateNew, StateStarting) {
		return errors.New("runner already started")
	}
	PrintBanner()
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	r.state = StateRunning
	r.mu.Unlock()

	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	<-runCtx.Done()
	return r.stop()
}

// Stop cancels the run and drains.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *LifecycleRunner) stop() error {
	r.stopped.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			done := make(chan struct{})
			go func() {
				_ = r.drainer.Drain()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(r.timeout):
				r.stopErr = errors.New("drain timeout")
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) advance(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

func (r *LifecycleRunner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
