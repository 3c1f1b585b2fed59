// Package circuitbreaker stops calling an email provider that keeps failing.
//
// A provider that fails MaxFailures sends in a row is left alone for a
// cool-down. When the cool-down ends one trial send goes through: success
// closes the circuit, failure reopens it with the cool-down doubled up to
// MaxRecoveryTimeout. Mail relays that are down tend to stay down for a
// while, so repeated failed trials back off instead of retrying every minute.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is reported when a send is rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes a breaker. Zero fields take the DefaultConfig values.
type Config struct {
	// Name is the provider kind the breaker guards.
	Name string

	// MaxFailures is the run of failed sends that opens the circuit.
	MaxFailures int

	// RecoveryTimeout is the first cool-down after opening.
	RecoveryTimeout time.Duration

	// MaxRecoveryTimeout caps the cool-down as failed trial sends double it.
	MaxRecoveryTimeout time.Duration

	// OnStateChange, if set, is called with the lock held after every
	// transition. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used for email providers.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		MaxFailures:        5,
		RecoveryTimeout:    time.Minute,
		MaxRecoveryTimeout: 15 * time.Minute,
	}
}

// CircuitBreaker tracks the failed-send streak of one provider.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state    State
	since    time.Time
	streak   int
	cooldown time.Duration
	lastErr  string
	lastFail time.Time

	attempts  int64
	delivered int64
	failed    int64
	rejected  int64
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.MaxRecoveryTimeout <= 0 {
		cfg.MaxRecoveryTimeout = def.MaxRecoveryTimeout
	}
	cfg.MaxRecoveryTimeout = max(cfg.MaxRecoveryTimeout, cfg.RecoveryTimeout)

	cb := &CircuitBreaker{
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		state:    StateClosed,
		cooldown: cfg.RecoveryTimeout,
	}
	cb.since = cb.now()

	logger.Info("circuit breaker created",
		zap.String("provider", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
		zap.Duration("max_recovery_timeout", cfg.MaxRecoveryTimeout),
	)

	return cb
}

// Name returns the guarded provider kind.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a send may be attempted now. While half-open only
// the trial send is let through; a trial that never reports back is replaced
// after RecoveryTimeout.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.attempts++
	now := cb.now()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Before(cb.since.Add(cb.cooldown)) {
			cb.rejected++
			return false
		}
		cb.transitionTo(StateHalfOpen)
		cb.logger.Info("provider cool-down over, allowing trial send",
			zap.String("provider", cb.config.Name),
			zap.Duration("cooldown", cb.cooldown),
		)
		return true

	case StateHalfOpen:
		if now.Sub(cb.since) >= cb.config.RecoveryTimeout {
			cb.since = now
			return true
		}
		cb.rejected++
		return false
	}
	return false
}

// RecordSuccess ends the failure streak. A successful trial send closes the
// circuit and restores the initial cool-down.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.delivered++
	cb.streak = 0

	if cb.state == StateHalfOpen {
		cb.cooldown = cb.config.RecoveryTimeout
		cb.transitionTo(StateClosed)
		cb.logger.Info("provider recovered, circuit closed",
			zap.String("provider", cb.config.Name),
		)
	}
}

// RecordFailure extends the failure streak with the provider's error text.
// The circuit opens when the streak reaches MaxFailures, and reopens with a
// doubled cool-down when a trial send fails.
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failed++
	cb.streak++
	cb.lastErr = reason
	cb.lastFail = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.streak < cb.config.MaxFailures {
			return
		}
		cb.transitionTo(StateOpen)
		cb.logger.Warn("provider failing, circuit opened",
			zap.String("provider", cb.config.Name),
			zap.Int("failures", cb.streak),
			zap.String("last_error", reason),
			zap.Duration("cooldown", cb.cooldown),
		)

	case StateHalfOpen:
		cb.cooldown = min(2*cb.cooldown, cb.config.MaxRecoveryTimeout)
		cb.transitionTo(StateOpen)
		cb.logger.Warn("trial send failed, circuit reopened",
			zap.String("provider", cb.config.Name),
			zap.String("last_error", reason),
			zap.Duration("cooldown", cb.cooldown),
		)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of a breaker for the dashboard.
type Stats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Attempts            int64  `json:"attempts"`
	Delivered           int64  `json:"delivered"`
	Failed              int64  `json:"failed"`
	Rejected            int64  `json:"rejected"`
	Cooldown            string `json:"cooldown"`
	RetryAt             string `json:"retry_at,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	LastFailure         string `json:"last_failure,omitempty"`
	Since               string `json:"since"`
}

// Stats returns a snapshot. RetryAt is set only while the circuit is open.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:                cb.config.Name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.streak,
		Attempts:            cb.attempts,
		Delivered:           cb.delivered,
		Failed:              cb.failed,
		Rejected:            cb.rejected,
		Cooldown:            cb.cooldown.String(),
		LastError:           cb.lastErr,
		Since:               cb.since.Format(time.RFC3339),
	}
	if cb.state == StateOpen {
		s.RetryAt = cb.since.Add(cb.cooldown).Format(time.RFC3339)
	}
	if !cb.lastFail.IsZero() {
		s.LastFailure = cb.lastFail.Format(time.RFC3339)
	}
	return s
}

// Reset closes the circuit, clears the streak and restores the initial
// cool-down. Operators use it after fixing provider credentials.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.streak = 0
	cb.cooldown = cb.config.RecoveryTimeout
	cb.transitionTo(StateClosed)

	cb.logger.Info("circuit breaker manually reset",
		zap.String("provider", cb.config.Name),
	)
}

// transitionTo changes state. Callers hold the lock.
func (cb *CircuitBreaker) transitionTo(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.since = cb.now()

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
