package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/storelinehq/courier/internal/dispatch"
)

// ProtectedTransport wraps a dispatch.Transport with a CircuitBreaker.
// When the external channel starts failing, the circuit opens and sends
// fail fast instead of piling timeouts onto every item in the batch.
type ProtectedTransport struct {
	transport dispatch.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps a transport with circuit breaker protection.
func NewProtectedTransport(transport dispatch.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

// Send attempts delivery through the circuit breaker. If the circuit is
// open, returns ErrCircuitOpen immediately; the message is marked failed
// like any other transport error and the batch moves on.
func (p *ProtectedTransport) Send(ctx context.Context, payload dispatch.Payload) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("tenant_id", payload.TenantID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s channel unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.transport.Send(ctx, payload)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for stats/monitoring.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
