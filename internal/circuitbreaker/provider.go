package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/provider"
)

// ProtectedProvider wraps a provider with a CircuitBreaker. Failed Results
// count as failures; while the circuit is open sends are rejected with a
// failed Result and the transport is not called.
type ProtectedProvider struct {
	next    provider.Provider
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedProvider wraps p with breaker.
func NewProtectedProvider(p provider.Provider, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		next:    p,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedProvider) Name() string { return p.next.Name() }

// Send forwards to the wrapped provider unless the circuit is open.
func (p *ProtectedProvider) Send(ctx context.Context, msg *provider.Message) provider.Result {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("to", msg.To),
		)
		return provider.Result{
			Provider: p.next.Name(),
			Error:    fmt.Sprintf("%s: %s provider unavailable", ErrCircuitOpen, p.breaker.Name()),
		}
	}

	res := p.next.Send(ctx, msg)
	if res.Success {
		p.breaker.RecordSuccess()
	} else {
		p.breaker.RecordFailure(res.Error)
	}
	return res
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedProvider) Breaker() *CircuitBreaker {
	return p.breaker
}
