package scheduler

import (
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/shreyask/prioq/clock"
	"github.com/shreyask/prioq/internal/algorithms"
	"github.com/shreyask/prioq/logx"
)

// Option is a functional option for configuring a PriorityScheduler,
// mirroring the teacher's WorkerPoolOption (pool/conf.go).
type Option func(*config)

type config struct {
	corePoolSize    int
	maxPoolSize     int
	keepAlive       time.Duration
	highBurstLimit  int
	rateLimiter     *rate.Limiter
	restartBackoff  algorithms.BackoffStrategy
	log             *logx.Logger
	clockOverride   clock.Clock
}

func defaultConfig() *config {
	n := runtime.GOMAXPROCS(0)
	return &config{
		corePoolSize:   n,
		maxPoolSize:    n,
		keepAlive:      60 * time.Second,
		highBurstLimit: 4,
		restartBackoff: algorithms.NewBackoffStrategy(algorithms.BackoffExponential, 10*time.Millisecond, time.Second, 0),
		log:            nil,
	}
}

// WithCorePoolSize sets the number of workers kept alive even when idle.
// Defaults to GOMAXPROCS.
func WithCorePoolSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.corePoolSize = n
		}
	}
}

// WithMaxPoolSize sets the upper bound on worker count under load.
// Defaults to GOMAXPROCS (equal to corePoolSize, i.e. a fixed pool).
func WithMaxPoolSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxPoolSize = n
		}
	}
}

// WithKeepAlive sets how long a worker above corePoolSize idles before
// exiting. Defaults to 60s.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// WithHighBurstLimit sets how many consecutive High-priority dispatches are
// allowed before a ready Low task is forced to run, bounding Low
// starvation. Defaults to 4.
func WithHighBurstLimit(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.highBurstLimit = n
		}
	}
}

// WithSubmitRateLimiter throttles Submit/Execute/Schedule admission,
// adapting the teacher's WithRateLimit (pool/conf.go) to the scheduler's
// submission path. Nil by default: no throttling.
func WithSubmitRateLimiter(l *rate.Limiter) Option {
	return func(c *config) {
		c.rateLimiter = l
	}
}

// WithRestartBackoff overrides the backoff strategy used to stagger
// replacement-worker spawns after a fatal invariant violation, preventing a
// thundering herd of immediate respawns when the violation is systemic.
func WithRestartBackoff(b algorithms.BackoffStrategy) Option {
	return func(c *config) {
		if b != nil {
			c.restartBackoff = b
		}
	}
}

// WithLogger attaches a logger used for swallowed-callback-panic and
// worker-restart diagnostics. Nil (the default) disables logging.
func WithLogger(l *logx.Logger) Option {
	return func(c *config) { c.log = l }
}
