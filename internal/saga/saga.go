// Package saga runs an ordered list of steps, each optionally paired with a compensation that
// undoes it. A definite failure compensates completed steps in reverse order. A failure whose
// outcome is unknown halts without compensating: undoing a step that may have partly happened
// elsewhere is unsafe, so the caller must reconcile instead.
package saga

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Step is one forward action.
type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

type unknownOutcome struct{ err error }

func (u *unknownOutcome) Error() string { return u.err.Error() }
func (u *unknownOutcome) Unwrap() error { return u.err }

// Unknown marks err as an undetermined outcome. Returning it from Do halts the saga without
// compensation.
func Unknown(err error) error {
	if err == nil {
		return nil
	}
	return &unknownOutcome{err: err}
}

// IsUnknown reports whether err was marked with Unknown.
func IsUnknown(err error) bool {
	var u *unknownOutcome
	return errors.As(err, &u)
}

// Error describes how a run ended.
type Error struct {
	Step string
	Err  error
	// Halted is set when the failing step's outcome is unknown; nothing was compensated.
	Halted      bool
	Compensated []string
	// CompensationStep and CompensationErr are set when undoing a step failed. Steps before it
	// were not compensated either.
	CompensationStep string
	CompensationErr  error
}

func (e *Error) Error() string {
	switch {
	case e.CompensationErr != nil:
		return fmt.Sprintf("saga step %s failed: %v; compensation %s failed: %v", e.Step, e.Err, e.CompensationStep, e.CompensationErr)
	case e.Halted:
		return fmt.Sprintf("saga halted at %s with unknown outcome: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("saga step %s failed: %v", e.Step, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// FullyCompensated reports whether every completed step was undone.
func (e *Error) FullyCompensated() bool { return !e.Halted && e.CompensationErr == nil }

// Saga is a named sequence of steps.
type Saga struct {
	name   string
	steps  []Step
	logger *zap.Logger
}

// New returns an empty saga.
func New(name string, logger *zap.Logger) *Saga {
	return &Saga{name: name, logger: logger}
}

// Add appends a step and returns the saga for chaining.
func (s *Saga) Add(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Run executes the steps in order. Compensations run detached from ctx cancellation: once a
// step has moved money the saga finishes undoing it even if the caller went away.
func (s *Saga) Run(ctx context.Context) error {
	for i, step := range s.steps {
		err := step.Do(ctx)
		if err == nil {
			continue
		}
		serr := &Error{Step: step.Name, Err: err}
		if IsUnknown(err) {
			serr.Halted = true
			s.logger.Error("saga halted with unknown outcome",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(err))
			return serr
		}
		s.logger.Warn("saga step failed, compensating",
			zap.String("saga", s.name),
			zap.String("step", step.Name),
			zap.Error(err))
		s.compensate(context.WithoutCancel(ctx), i, serr)
		return serr
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, failed int, serr *Error) {
	for j := failed - 1; j >= 0; j-- {
		step := s.steps[j]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			serr.CompensationStep = step.Name
			serr.CompensationErr = err
			s.logger.Error("saga compensation failed",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(err))
			return
		}
		serr.Compensated = append(serr.Compensated, step.Name)
	}
}
