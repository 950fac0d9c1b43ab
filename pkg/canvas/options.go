package canvas

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/astromechza/pixelgrid/pkg/broadcast"
	"github.com/astromechza/pixelgrid/pkg/store"
)

type config struct {
	store               store.Store
	persister           *store.Persister
	broadcaster         *broadcast.Broadcaster
	cooldown            time.Duration
	clock               Clock
	logger              *slog.Logger
	msink               metrics.MetricSink
	rnd                 *rand.Rand
	randomizeCount      int
	randomizeOnlySparse bool
	queueSize           int
}

// Option to pass to `New`
type Option func(*config) error

// WithStore sets the durable store the canvas loads from and persists to.
func WithStore(st store.Store) Option {
	return func(c *config) error {
		c.store = st
		return nil
	}
}

// WithPersister overrides the persister built around the store.
func WithPersister(p *store.Persister) Option {
	return func(c *config) error {
		c.persister = p
		return nil
	}
}

func WithBroadcaster(b *broadcast.Broadcaster) Option {
	return func(c *config) error {
		c.broadcaster = b
		return nil
	}
}

// WithCooldown sets the minimum delay between two accepted edits of the
// same connection. Zero disables it.
func WithCooldown(d time.Duration) Option {
	return func(c *config) error {
		c.cooldown = d
		return nil
	}
}

func WithClock(clock Clock) Option {
	return func(c *config) error {
		if clock == nil {
			clock = SystemClock{}
		}
		c.clock = clock
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithRand sets the source used by the randomizer.
func WithRand(r *rand.Rand) Option {
	return func(c *config) error {
		c.rnd = r
		return nil
	}
}

// WithRandomizeCount sets how many cells each randomizer run recolors.
func WithRandomizeCount(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			n = 1
		}
		c.randomizeCount = n
		return nil
	}
}

// WithRandomizeOnlySparse stops the randomizer once every cell was written.
func WithRandomizeOnlySparse(only bool) Option {
	return func(c *config) error {
		c.randomizeOnlySparse = only
		return nil
	}
}

// WithObserverQueueSize bounds the outbound queue of each observer.
func WithObserverQueueSize(n int) Option {
	return func(c *config) error {
		c.queueSize = n
		return nil
	}
}
