// Package timeengine implements the per-session virtual clock (C4). It
// paces event delivery against wall-clock time at a configurable
// speed_factor, following the teacher's ticker-plus-context.Done()
// background-goroutine idiom (see cmd/trading-core/main.go's
// startBackgroundTasks and internal/order/queue.go's drain loop) rather
// than a stdlib time.Sleep chain, so pacing is cancellable mid-wait.
package timeengine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the clock's run state.
type State string

const (
	StateCreated State = "CREATED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateStopped State = "STOPPED"
)

// Clock is a virtual clock: it tracks a simulated timestamp (currentNs)
// that advances either by explicit Jump (only while Paused) or by
// pacing real time against events as they are admitted via Await.
type Clock struct {
	mu         sync.Mutex
	currentNs  int64
	speed      float64
	state      State
	lastWallNs int64
	wakeCh     chan struct{}

	// fastForwardNs is the latest FastForward target; Await releases
	// events at or before it without pacing.
	fastForwardNs int64
}

// New creates a Clock starting at startNs with the given speed factor.
// A non-positive speed defaults to 1.0 (real time).
func New(startNs int64, speed float64) *Clock {
	if speed <= 0 {
		speed = 1.0
	}
	return &Clock{
		currentNs: startNs,
		speed:     speed,
		state:     StateCreated,
		wakeCh:    make(chan struct{}),
	}
}

// wake signals any goroutine blocked in Await and arms a fresh channel
// for the next wait. Callers must hold c.mu.
func (c *Clock) wake() {
	close(c.wakeCh)
	c.wakeCh = make(chan struct{})
}

// CurrentNs returns the clock's current simulated timestamp.
func (c *Clock) CurrentNs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentNs
}

// Speed returns the current speed factor.
func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// State returns the clock's run state.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetSpeed changes the pacing speed factor and wakes any in-flight
// Await so the remaining wait for the current event is recomputed at
// the new speed rather than finishing out the old one.
func (c *Clock) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = speed
	c.wake()
}

// Run transitions Created/Paused -> Running.
func (c *Clock) Run() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopped {
		c.state = StateRunning
	}
}

// Pause transitions Running -> Paused, waking any in-flight Await
// promptly rather than letting it run out its pace sleep.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		c.state = StatePaused
		c.wake()
	}
}

// Stop transitions to Stopped terminally, waking any in-flight Await.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopped
	c.wake()
}

// Jump sets the current simulated timestamp directly. Only valid while
// Paused; returns false otherwise.
func (c *Clock) Jump(toNs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused && c.state != StateCreated {
		return false
	}
	c.currentNs = toNs
	c.fastForwardNs = 0
	return true
}

// FastForward advances the clock to targetNs without any wall-clock
// pacing delay. Await then releases every event at or before targetNs
// immediately; events after targetNs are paced as usual.
func (c *Clock) FastForward(targetNs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if targetNs > c.currentNs {
		c.currentNs = targetNs
		c.fastForwardNs = targetNs
	}
}

// ErrWoken is returned by Await when it is interrupted by a Pause,
// Stop, or SetSpeed signal before the event's release time, rather
// than by ctx cancellation or the pace timer elapsing. currentNs is
// left unchanged so the caller can re-gate the same event once it
// resumes.
var ErrWoken = errors.New("timeengine: await woken by control signal")

// Await blocks until it is time to deliver the event at eventNs,
// pacing against wall-clock time scaled by the speed factor, or until
// ctx is canceled, or until Pause/Stop/SetSpeed wakes it. It returns
// ctx.Err() on cancellation, ErrWoken on a control-signal wake, nil
// otherwise. Awaiting also advances currentNs to eventNs on a nil
// return.
func (c *Clock) Await(ctx context.Context, eventNs int64) error {
	c.mu.Lock()
	if eventNs <= c.currentNs || eventNs <= c.fastForwardNs {
		c.currentNs = eventNs
		c.mu.Unlock()
		return nil
	}
	deltaSimNs := eventNs - c.currentNs
	speed := c.speed
	wake := c.wakeCh
	c.mu.Unlock()

	waitNs := float64(deltaSimNs) / speed
	timer := time.NewTimer(time.Duration(waitNs))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return ErrWoken
	case <-timer.C:
		c.mu.Lock()
		c.currentNs = eventNs
		c.mu.Unlock()
		return nil
	}
}
