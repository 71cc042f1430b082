// Package breaker implements a circuit breaker with a rolling failure window,
// a minimum request volume before tripping, and a bounded half-open trial
// phase. One Breaker guards one external dependency.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrOpen is returned without executing the call while the circuit is open.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open trial budget is spent.
	// It wraps ErrOpen so callers need only one check.
	ErrTooManyRequests = fmt.Errorf("%w: half-open trial limit reached", ErrOpen)
)

type Settings struct {
	// FailureThreshold failures inside Window trip the circuit...
	FailureThreshold int
	// ...provided at least VolumeThreshold calls were observed in Window.
	VolumeThreshold int
	Window          time.Duration

	// OpenTimeout is the cooldown before trial calls are let through.
	OpenTimeout time.Duration

	// SuccessThreshold consecutive trial successes close the circuit.
	SuccessThreshold int
	// HalfOpenMaxRequests bounds trial calls admitted per half-open period.
	// Defaults to SuccessThreshold.
	HalfOpenMaxRequests int

	// CallTimeout bounds each call. A timed-out call counts as a failure.
	CallTimeout time.Duration

	// IsFailure decides whether a non-nil error counts against the circuit.
	// Defaults to every error.
	IsFailure func(error) bool

	OnStateChange func(name string, from, to State)
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		Window:           60 * time.Second,
		OpenTimeout:      30 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      30 * time.Second,
	}
}

func (s Settings) Validate() error {
	var errs []error
	if s.FailureThreshold < 1 {
		errs = append(errs, errors.New("failure threshold must be at least 1"))
	}
	if s.VolumeThreshold < 0 {
		errs = append(errs, errors.New("volume threshold must not be negative"))
	}
	if s.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	if s.OpenTimeout <= 0 {
		errs = append(errs, errors.New("open timeout must be positive"))
	}
	if s.SuccessThreshold < 1 {
		errs = append(errs, errors.New("success threshold must be at least 1"))
	}
	if s.HalfOpenMaxRequests != 0 && s.HalfOpenMaxRequests < s.SuccessThreshold {
		errs = append(errs, errors.New("half-open max requests must be at least the success threshold"))
	}
	if s.CallTimeout < 0 {
		errs = append(errs, errors.New("call timeout must not be negative"))
	}
	return errors.Join(errs...)
}

type transition struct {
	from, to State
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

type Breaker struct {
	name string
	s    Settings
	now  func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	changedAt  time.Time
	window     *rollingWindow

	trials               int
	inFlight             int
	consecutiveSuccesses int

	pending []transition
}

func New(name string, s Settings) (*Breaker, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", name, err)
	}
	if s.HalfOpenMaxRequests == 0 {
		s.HalfOpenMaxRequests = s.SuccessThreshold
	}
	b := &Breaker{
		name:   name,
		s:      s,
		now:    time.Now,
		window: newRollingWindow(s.Window, 10),
	}
	b.changedAt = b.now()
	return b, nil
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn through the breaker. While open it returns ErrOpen without
// calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) (err error) {
	gen, err := b.before()
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}

	callCtx := ctx
	if b.s.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.s.CallTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(gen, outcomeFailure)
			panic(r)
		}
	}()

	err = fn(callCtx)
	b.after(gen, b.classify(ctx, err))
	return err
}

// ExecuteWithFallback calls fallback instead of failing when the circuit
// rejects the call. Errors from fn itself are returned unchanged.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn func(context.Context) error, fallback func(context.Context, error) error) error {
	err := b.Execute(ctx, fn)
	if err != nil && fallback != nil && errors.Is(err, ErrOpen) {
		return fallback(ctx, err)
	}
	return err
}

// Do is Execute for calls that produce a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (b *Breaker) classify(parent context.Context, err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	// caller went away; says nothing about the dependency
	if parent.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return outcomeIgnored
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return outcomeFailure
	}
	if b.s.IsFailure != nil && !b.s.IsFailure(err) {
		return outcomeSuccess
	}
	return outcomeFailure
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.unlock()

	b.refresh(b.now())
	switch b.state {
	case StateOpen:
		return b.generation, ErrOpen
	case StateHalfOpen:
		if b.trials >= b.s.HalfOpenMaxRequests {
			return b.generation, ErrTooManyRequests
		}
		b.trials++
		b.inFlight++
	}
	return b.generation, nil
}

func (b *Breaker) after(gen uint64, o outcome) {
	b.mu.Lock()
	defer b.unlock()

	now := b.now()
	b.refresh(now)
	if gen != b.generation {
		return
	}

	switch b.state {
	case StateClosed:
		switch o {
		case outcomeSuccess:
			b.window.record(now, false)
		case outcomeFailure:
			b.window.record(now, true)
			failures, successes := b.window.counts(now)
			if failures >= b.s.FailureThreshold && failures+successes >= b.s.VolumeThreshold {
				b.setState(StateOpen, now)
			}
		}
	case StateHalfOpen:
		b.inFlight--
		switch o {
		case outcomeSuccess:
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.s.SuccessThreshold {
				b.setState(StateClosed, now)
				return
			}
		case outcomeFailure:
			b.setState(StateOpen, now)
			return
		}
		if b.trials >= b.s.HalfOpenMaxRequests && b.inFlight == 0 {
			b.setState(StateOpen, now)
		}
	}
}

// refresh applies the time-based OPEN -> HALF_OPEN transition. Caller holds mu.
func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && !now.Before(b.changedAt.Add(b.s.OpenTimeout)) {
		b.setState(StateHalfOpen, now)
	}
}

// setState must be called with mu held; observers run after unlock.
func (b *Breaker) setState(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.changedAt = now
	b.generation++
	b.trials = 0
	b.inFlight = 0
	b.consecutiveSuccesses = 0
	if to == StateClosed {
		b.window.reset()
	}
	b.pending = append(b.pending, transition{from: from, to: to})
}

func (b *Breaker) unlock() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if b.s.OnStateChange == nil {
		return
	}
	for _, t := range pending {
		b.s.OnStateChange(b.name, t.from, t.to)
	}
}

// State reports the current state, applying any due cooldown transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.unlock()
	b.refresh(b.now())
	return b.state
}

type Stats struct {
	Name                 string        `json:"name"`
	State                State         `json:"state"`
	Failures             int           `json:"failures"`
	Successes            int           `json:"successes"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	HalfOpenTrials       int           `json:"half_open_trials"`
	LastStateChange      time.Time     `json:"last_state_change"`
	RetryIn              time.Duration `json:"retry_in"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.unlock()

	now := b.now()
	b.refresh(now)
	failures, successes := b.window.counts(now)
	st := Stats{
		Name:                 b.name,
		State:                b.state,
		Failures:             failures,
		Successes:            successes,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		HalfOpenTrials:       b.trials,
		LastStateChange:      b.changedAt,
	}
	if b.state == StateOpen {
		st.RetryIn = b.changedAt.Add(b.s.OpenTimeout).Sub(now)
	}
	return st
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.unlock()
	b.setState(StateClosed, b.now())
	b.window.reset()
}
