// Package registry implements explicit typed task registration in
// place of the source's reflection-based type scanning (§9 "Registry
// reflection"). A Registry is built once at startup and is read-only
// thereafter — no locking needed on the hot path, mirroring the
// invariant documented in the teacher's internal/circuitbreaker.go
// concurrency section ("Registry: built at startup, read-only
// thereafter").
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kidoz/dotcelery/internal/circuitbreaker"
	"github.com/kidoz/dotcelery/internal/ratelimit"
	"github.com/kidoz/dotcelery/internal/taskerr"
)

// TimeLimitPolicy composes a soft (signal-only) and hard (forced
// cancellation) deadline for a task (§3).
type TimeLimitPolicy struct {
	SoftLimit time.Duration
	HardLimit time.Duration
}

// FilterOrder pairs a filter with its position in the ascending
// OnExecuting / descending OnExecuted chain (§4.9 j, l).
type FilterOrder struct {
	Filter Filter
	Order  int
}

// Registration is the type-erased record the pipeline dispatches
// through. Input/output codecs are closed over at Register time so the
// hot path never reflects on the input/output types (§9 "Polymorphism").
type Registration struct {
	TaskName              string
	Queue                 string
	RateLimitPolicy       *ratelimit.Policy
	TimeLimitPolicy       *TimeLimitPolicy
	Filters               []FilterOrder
	PreventOverlapping    bool
	OverlapKeyFunc        func(input any) (string, error)
	CircuitBreakerPolicy  *circuitbreaker.Config

	// dispatch decodes raw, invokes the registered handler, and
	// encodes the result. Constructed generically in Register[In,Out].
	dispatch func(ctx *TaskContext, raw []byte) ([]byte, string, error)
}

// Registry maps task name to Registration. Built via Register calls,
// then frozen with Build(); Lookup is safe for unsynchronized
// concurrent reads once frozen.
type Registry struct {
	registrations map[string]*Registration
	built         bool
}

// New creates an empty, mutable Registry.
func New() *Registry {
	return &Registry{registrations: make(map[string]*Registration)}
}

// RegistrationOptions configures optional policies for a task (§3
// "Task Registration").
type RegistrationOptions struct {
	Queue                string
	RateLimitPolicy      *ratelimit.Policy
	TimeLimitPolicy      *TimeLimitPolicy
	Filters              []FilterOrder
	PreventOverlapping   bool
	OverlapKeyFunc       func(input any) (string, error)

	// CircuitBreakerPolicy, when set, opens a per-task-name breaker
	// after a sustained error rate and rejects further dispatches
	// (routed back through the pipeline's requeue path, same as a
	// rate-limit gate) until it cools down.
	CircuitBreakerPolicy *circuitbreaker.Config
}

// Register associates taskName with a typed handler closure. In/Out are
// marshaled with encoding/json by default; callers needing a different
// wire encoding should marshal/unmarshal inside the handler and use
// json.RawMessage for In/Out instead.
func Register[In any, Out any](r *Registry, taskName string, opts RegistrationOptions, handler func(ctx *TaskContext, input In) (Out, error)) error {
	if r.built {
		return taskerr.ErrRegistryFrozen
	}
	if taskName == "" {
		return fmt.Errorf("registry: task name is required")
	}
	if _, exists := r.registrations[taskName]; exists {
		return fmt.Errorf("registry: task %q already registered", taskName)
	}

	dispatch := func(ctx *TaskContext, raw []byte) ([]byte, string, error) {
		var input In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, "", taskerr.Wrap(taskerr.KindValidation, "decode input", err)
			}
		}
		output, err := handler(ctx, input)
		if err != nil {
			return nil, "", err
		}
		encoded, err := json.Marshal(output)
		if err != nil {
			return nil, "", taskerr.Wrap(taskerr.KindPermanent, "encode output", err)
		}
		return encoded, "application/json", nil
	}

	reg := &Registration{
		TaskName:             taskName,
		Queue:                opts.Queue,
		RateLimitPolicy:      opts.RateLimitPolicy,
		TimeLimitPolicy:      opts.TimeLimitPolicy,
		Filters:              opts.Filters,
		PreventOverlapping:   opts.PreventOverlapping,
		OverlapKeyFunc:       opts.OverlapKeyFunc,
		CircuitBreakerPolicy: opts.CircuitBreakerPolicy,
		dispatch:             dispatch,
	}
	r.registrations[taskName] = reg
	return nil
}

// Dispatch invokes the registered handler for reg with raw JSON input,
// returning raw JSON output and its content type.
func (reg *Registration) Dispatch(ctx *TaskContext, raw []byte) ([]byte, string, error) {
	return reg.dispatch(ctx, raw)
}

// Build freezes the registry; subsequent Register calls fail.
func (r *Registry) Build() *Registry {
	r.built = true
	return r
}

// Lookup returns the registration for name, or (nil, false).
func (r *Registry) Lookup(name string) (*Registration, bool) {
	reg, ok := r.registrations[name]
	return reg, ok
}

// Names returns all registered task names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.registrations))
	for name := range r.registrations {
		names = append(names, name)
	}
	return names
}
