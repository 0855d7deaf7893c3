package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

type Settings struct {
	Name          string
	Breaker       bool
	RatePerSecond float64
	Burst         int
}

// Guard throttles and circuit-breaks calls to one external service.
// A nil Guard runs calls directly.
type Guard struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewGuard(s Settings) *Guard {
	g := &Guard{name: s.Name}
	if s.Breaker {
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name,
			MaxRequests: 5,
			Interval:    10 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			},
		})
	}
	if s.RatePerSecond > 0 {
		burst := s.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(s.RatePerSecond), burst)
	}
	return g
}

// Do waits for the rate limiter, then runs fn through the breaker.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if g.breaker == nil {
		return fn(ctx)
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// State reports the breaker state, "disabled" when there is none.
func (g *Guard) State() string {
	if g == nil || g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}
