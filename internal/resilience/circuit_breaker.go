// Package resilience implements the Tool Broker's circuit breaker and
// retry policy. The circuit breaker is keyed per (workspace_id, tool_name)
// rather than the teacher framework's single named breaker, and trades
// the teacher's error-rate/volume-threshold model for the simpler
// count-over-window threshold the pipeline's resilience contract
// specifies; the state machine and half-open admission test are carried
// over unchanged from resilience/circuit_breaker.go.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	platerrors "github.com/turnpipe/turnpipe/internal/platform/errors"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Key identifies one circuit breaker instance.
type Key struct {
	WorkspaceID string
	ToolName    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.WorkspaceID, k.ToolName)
}

// Config controls the sliding-window threshold, cooldown, and half-open
// admission test for every breaker a Registry creates.
type Config struct {
	Window           int
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMaxCalls int

	OnStateChange func(key Key, from, to State)
}

// DefaultConfig mirrors the broker's default resilience settings.
func DefaultConfig() Config {
	return Config{
		Window:           20,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker is a single (workspace, tool) circuit breaker with a
// fixed-size sliding window of recent outcomes.
type Breaker struct {
	mu sync.Mutex

	key    Key
	cfg    Config
	state  State
	window []bool // true = failure
	pos    int
	filled int

	openedAt      time.Time
	halfOpenInUse int
}

func newBreaker(key Key, cfg Config) *Breaker {
	return &Breaker{
		key:    key,
		cfg:    cfg,
		state:  StateClosed,
		window: make([]bool, cfg.Window),
	}
}

// Allow reports whether a call against this breaker's tool may proceed,
// transitioning Open -> HalfOpen once the cooldown elapses.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Cooldown {
			b.transition(StateHalfOpen)
			b.halfOpenInUse = 0
		} else {
			return false
		}
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInUse < b.cfg.HalfOpenMaxCalls {
			b.halfOpenInUse++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful attempt. In HalfOpen, a single
// success closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(false)
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
		b.resetWindow()
	}
}

// RecordFailure records a failed attempt. In HalfOpen, any failure
// reopens the breaker immediately. In Closed, the breaker opens once the
// failure count within the window reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(true)
	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		b.openedAt = time.Now()
		return
	}
	if b.state == StateClosed && b.failureCount() >= b.cfg.FailureThreshold {
		b.transition(StateOpen)
		b.openedAt = time.Now()
	}
}

// ForceHalfOpen is the admin operation that lets an operator manually
// probe a tool that has been Open, without waiting for the cooldown.
func (b *Breaker) ForceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.transition(StateHalfOpen)
		b.halfOpenInUse = 0
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) record(failure bool) {
	b.window[b.pos] = failure
	b.pos = (b.pos + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

func (b *Breaker) failureCount() int {
	count := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			count++
		}
	}
	return count
}

func (b *Breaker) resetWindow() {
	b.window = make([]bool, len(b.window))
	b.pos = 0
	b.filled = 0
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}

// Registry holds one Breaker per (workspace_id, tool_name) key, created
// lazily on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[Key]*Breaker
}

// NewRegistry creates a Registry that applies cfg to every breaker it
// creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[Key]*Breaker)}
}

// Get returns the breaker for key, creating it if this is the first call
// for that workspace/tool pair.
func (r *Registry) Get(key Key) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newBreaker(key, r.cfg)
		r.breakers[key] = b
	}
	return b
}

// Execute runs fn under the breaker for key: it fails fast with
// ErrCircuitOpen if the breaker is Open, and otherwise records the
// outcome of fn: any non-nil error counts as a failure against the
// threshold, a nil error as a success.
func (r *Registry) Execute(ctx context.Context, key Key, fn func(context.Context) error) error {
	b := r.Get(key)
	if !b.Allow() {
		return platerrors.New("resilience.Execute", platerrors.KindCircuitOpen, key.String(), platerrors.ErrCircuitOpen)
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
