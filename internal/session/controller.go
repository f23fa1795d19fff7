// Package session owns the recording lifecycle: consent gating, the
// Idle → Recording → Finalizing → Closed machine, and the rate-limit
// cooldown that sits beside it.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// State of the recording lifecycle.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConsentVerifier is the external, auditable consent record. Recording is
// never entered without it answering true.
type ConsentVerifier interface {
	VerifyConsent(ctx context.Context, patientID string) (bool, error)
}

// Pipeline is the recording machinery the controller drives: capture plus
// the streaming channel. Stop-side hooks must be safe to call once each.
type Pipeline interface {
	// Acquire opens the capture device and the duplex channel. Device
	// permission prompts happen here.
	Acquire(ctx context.Context) error
	// Release stops capture and returns the hardware. Called exactly once.
	Release()
	// Pause suppresses chunk emission without releasing the device;
	// Resume lifts it. Both are no-ops when already in that state.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// SendStop emits the stop frame and closes the duplex channel.
	SendStop()
	// Finalize resolves the note state server-side. Issued exactly once,
	// and not cancellable once sent.
	Finalize(ctx context.Context) error
}

// Controller runs one clinical session's lifecycle.
type Controller struct {
	consent  ConsentVerifier
	pipeline Pipeline
	cooldown *Cooldown
	logger   *log.Logger

	patientID string

	mu    sync.Mutex
	state State
}

// NewController creates an idle controller for the given patient.
func NewController(patientID string, consent ConsentVerifier, pipeline Pipeline, cooldown *Cooldown, logger *log.Logger) *Controller {
	if cooldown == nil {
		cooldown = NewCooldown()
	}
	return &Controller{
		consent:   consent,
		pipeline:  pipeline,
		cooldown:  cooldown,
		logger:    logger,
		patientID: patientID,
		state:     StateIdle,
	}
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cooldown exposes the side state for UI reporting.
func (c *Controller) Cooldown() *Cooldown { return c.cooldown }

// Start verifies consent and acquires the pipeline, entering Recording.
// During cooldown the attempt is rejected up front with the remaining wait.
// The consent check runs on every attempt; a retry cannot skip it.
func (c *Controller) Start(ctx context.Context) error {
	if rem := c.cooldown.Remaining(); rem > 0 {
		return &CooldownError{Remaining: rem, Reason: c.cooldown.LastError()}
	}

	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateRecording, StatePaused:
		c.mu.Unlock()
		return ErrAlreadyRecording
	default:
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	ok, err := c.consent.VerifyConsent(ctx, c.patientID)
	if err != nil {
		return fmt.Errorf("verify consent: %w", err)
	}
	if !ok {
		return ErrConsentMissing
	}

	if err := c.pipeline.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire pipeline: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		// A concurrent Start won the race; hand the hardware back.
		c.pipeline.Release()
		return ErrAlreadyRecording
	}
	c.state = StateRecording
	c.logger.Printf("session: recording started for patient %s", c.patientID)
	return nil
}

// Pause suspends the recording without tearing anything down. The
// pipeline stops emitting chunks but keeps the device and the channel.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return ErrNotRecording
	}
	if err := c.pipeline.Pause(ctx); err != nil {
		return fmt.Errorf("pause pipeline: %w", err)
	}
	c.state = StatePaused
	return nil
}

// Resume continues a paused recording.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return ErrNotRecording
	}
	if err := c.pipeline.Resume(ctx); err != nil {
		return fmt.Errorf("resume pipeline: %w", err)
	}
	c.state = StateRecording
	return nil
}

// Stop ends the session. Idempotent: only the caller that observes the
// transition into Finalizing performs teardown and the single finalize
// request; every other call returns immediately.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateRecording, StatePaused:
		c.state = StateFinalizing
	case StateIdle:
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.pipeline.Release()
	c.pipeline.SendStop()

	err := c.pipeline.Finalize(ctx)
	if err != nil {
		c.logger.Printf("session: finalize failed: %v", err)
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

// HandleRateLimit reacts to a provider backpressure signal: arm the
// cooldown, then force-stop the recording.
func (c *Controller) HandleRateLimit(ctx context.Context, retryAfter time.Duration, message string) {
	if retryAfter <= 0 {
		retryAfter = 30 * time.Second
	}
	c.cooldown.Start(retryAfter, message)
	c.logger.Printf("session: rate limited, cooling down %s: %s", retryAfter, message)
	_ = c.Stop(ctx)
}
