package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"trustcore/internal/domain"
)

// Default guard settings.
const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
	defaultBurst                     = 3
	defaultEvery                     = 20 * time.Second

	// limiters idle for this long are dropped on the next prune.
	limiterIdle = 10 * time.Minute
)

// GuardConfig configures the breaker and the per-recipient throttle.
type GuardConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// Interval clears the failure count while the circuit is closed.
	Interval time.Duration
	// Burst and Every bound sends to one address: Burst at once, then one
	// per Every.
	Burst int
	Every time.Duration
}

type recipient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard wraps a Mailer with a circuit breaker and a per-recipient rate
// limit. Throttled sends fail with domain.ErrLimitReached without reaching
// the transport; an open circuit fails fast with domain.ErrUpstream.
type Guard struct {
	inner   domain.Mailer
	breaker *gobreaker.CircuitBreaker[struct{}]
	burst   int
	every   time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	recipients map[string]*recipient
	lastPrune  time.Time
}

// NewGuard wraps inner. Zero config values take their defaults.
func NewGuard(inner domain.Mailer, cfg GuardConfig, logger *slog.Logger) *Guard {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Every <= 0 {
		cfg.Every = defaultEvery
	}

	maxFailures := cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "mailer",
		MaxRequests: 1, // one probe in half-open state
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not a transport failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Guard{
		inner:      inner,
		breaker:    cb,
		burst:      cfg.Burst,
		every:      cfg.Every,
		logger:     logger,
		now:        time.Now,
		recipients: make(map[string]*recipient),
	}
}

// Send implements domain.Mailer.
func (g *Guard) Send(ctx context.Context, to, subject, body string) error {
	if !g.allow(to) {
		g.logger.Warn("mail throttled", "to", to)
		return fmt.Errorf("send to %s: %w", to, domain.ErrLimitReached)
	}
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, g.inner.Send(ctx, to, subject, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("mailer circuit open: %w: %w", domain.ErrUpstream, err)
		}
		return err
	}
	return nil
}

// State returns the breaker state for monitoring.
func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}

func (g *Guard) allow(to string) bool {
	key := strings.ToLower(strings.TrimSpace(to))
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.lastPrune) > limiterIdle {
		for k, r := range g.recipients {
			if now.Sub(r.lastSeen) > limiterIdle {
				delete(g.recipients, k)
			}
		}
		g.lastPrune = now
	}
	r, ok := g.recipients[key]
	if !ok {
		r = &recipient{limiter: rate.NewLimiter(rate.Every(g.every), g.burst)}
		g.recipients[key] = r
	}
	r.lastSeen = now
	return r.limiter.AllowN(now, 1)
}

var _ domain.Mailer = (*Guard)(nil)
