package modelport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/relaycore/internal/relay"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 5 * time.Minute
)

// NamedPort pairs a ModelPort with a human-readable provider name for
// circuit breaker tracking and logging.
type NamedPort struct {
	name string
	port relay.ModelPort
}

// NamedModelPort builds a NamedPort for use with NewFailoverRouter.
func NamedModelPort(name string, port relay.ModelPort) NamedPort {
	return NamedPort{name: name, port: port}
}

// circuitBreaker tracks failure counts and trip state for one provider.
type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverRouter wraps a primary ModelPort with ordered fallbacks and a
// per-provider circuit breaker. A session_invalid-classified error is
// returned immediately instead of failing over: the session lives on one
// provider, and the relay engine owns the fresh-session retry.
type FailoverRouter struct {
	primary   NamedPort
	fallbacks []NamedPort
	logger    *slog.Logger

	mu        sync.Mutex
	breakers  map[string]*circuitBreaker
	threshold int
	cooldown  time.Duration
}

// NewFailoverRouter builds a router trying primary first, then each
// fallback in order. threshold <= 0 and cooldown <= 0 fall back to 5
// failures / 5 minutes.
func NewFailoverRouter(primary NamedPort, fallbacks []NamedPort, threshold int, cooldown time.Duration, logger *slog.Logger) *FailoverRouter {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	breakers := make(map[string]*circuitBreaker, len(fallbacks)+1)
	breakers[primary.name] = &circuitBreaker{}
	for _, fb := range fallbacks {
		breakers[fb.name] = &circuitBreaker{}
	}
	return &FailoverRouter{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Respond implements relay.ModelPort: tries the primary, then each
// fallback in order, skipping any whose breaker is currently tripped.
func (r *FailoverRouter) Respond(ctx context.Context, in relay.RespondInput) (relay.RespondOutput, error) {
	candidates := append([]NamedPort{r.primary}, r.fallbacks...)
	var lastErr error

	for _, c := range candidates {
		if r.isTripped(c.name) {
			r.logf(slog.LevelInfo, "skipping tripped provider", "provider", c.name)
			continue
		}

		out, err := c.port.Respond(ctx, in)
		if err == nil {
			r.recordSuccess(c.name)
			return out, nil
		}

		lastErr = err
		r.recordFailure(c.name)
		class := relay.ClassifyError(err)
		r.logf(slog.LevelWarn, "provider failed", "provider", c.name, "error_class", string(class), "error", err)

		if class == relay.ClassSessionInvalid {
			return relay.RespondOutput{}, err
		}
	}

	return relay.RespondOutput{}, fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// isTripped reports whether name's breaker is open, resetting it first if
// the cooldown window has elapsed.
func (r *FailoverRouter) isTripped(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= r.cooldown {
		cb.tripped = false
		cb.failures = 0
		r.logf(slog.LevelInfo, "circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (r *FailoverRouter) recordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cb = &circuitBreaker{}
		r.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= r.threshold {
		cb.tripped = true
		r.logf(slog.LevelWarn, "circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
}

func (r *FailoverRouter) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		return
	}
	cb.failures = 0
	cb.tripped = false
}

func (r *FailoverRouter) logf(level slog.Level, msg string, args ...any) {
	if r.logger != nil {
		r.logger.Log(context.Background(), level, msg, args...)
	}
}

var _ relay.ModelPort = (*FailoverRouter)(nil)
