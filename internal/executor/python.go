package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StepParams configure a plain step. The step simulates external work: it
// waits DurationMs, optionally fails, and returns Result.
type StepParams struct {
	DurationMs int `json:"durationMs,omitempty" jsonschema:"minimum=0,description=Simulated work time in milliseconds"`
	// Fail makes every attempt fail.
	Fail bool `json:"fail,omitempty"`
	// FailAttempts makes the first N attempts fail.
	FailAttempts int    `json:"failAttempts,omitempty" jsonschema:"minimum=0"`
	Message      string `json:"message,omitempty" jsonschema:"description=Error message used when the step fails"`
	Result       any    `json:"result,omitempty" jsonschema:"description=Output returned on success"`
}

func (p StepParams) Validate() error {
	if p.DurationMs < 0 {
		return errors.New("durationMs must not be negative")
	}
	if p.FailAttempts < 0 {
		return errors.New("failAttempts must not be negative")
	}
	return nil
}

func runStep(ctx context.Context, inv Invocation, p StepParams) (any, error) {
	if p.DurationMs > 0 {
		timer := time.NewTimer(time.Duration(p.DurationMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if p.Fail || inv.Attempt <= p.FailAttempts {
		msg := p.Message
		if msg == "" {
			msg = fmt.Sprintf("%s failed", inv.Task.Name)
		}
		return nil, errors.New(msg)
	}

	if p.Result != nil {
		return p.Result, nil
	}
	return fmt.Sprintf("Processed %s", inv.Task.Name), nil
}
