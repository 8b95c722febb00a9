// Package janitor periodically deletes expired tokens and challenges and
// drops idle rate limiter buckets.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

const (
	runTimeout  = 30 * time.Second
	limiterIdle = 30 * time.Minute
)

type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (tokens, challenges int64, err error)
}

// Pruner is implemented by in-memory rate limiters.
type Pruner interface {
	Prune(idle time.Duration) int
}

type Result struct {
	Tokens     int64
	Challenges int64
	Buckets    int
}

type Janitor struct {
	cron    *cron.Cron
	purger  Purger
	pruner  Pruner
	logger  *log.Logger
	now     func() time.Time
	mu      sync.Mutex
	started bool
}

type Option func(*Janitor)

func WithPruner(p Pruner) Option {
	return func(j *Janitor) { j.pruner = p }
}

// New schedules a cleanup run using a standard cron spec or a descriptor
// such as "@every 10m". A nil logger means log.Default().
func New(schedule string, purger Purger, logger *log.Logger, opts ...Option) (*Janitor, error) {
	if logger == nil {
		logger = log.Default()
	}
	j := &Janitor{
		cron:   cron.New(),
		purger: purger,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("janitor run failed", "err", err)
	}
}

// RunOnce performs one cleanup pass immediately.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	tokens, challenges, err := j.purger.PurgeExpired(ctx, j.now().UTC())
	if err != nil {
		return res, fmt.Errorf("purge expired: %w", err)
	}
	res.Tokens, res.Challenges = tokens, challenges
	if j.pruner != nil {
		res.Buckets = j.pruner.Prune(limiterIdle)
	}
	j.logger.Info("janitor run", "tokens", res.Tokens, "challenges", res.Challenges, "buckets", res.Buckets)
	return res, nil
}

func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started {
		j.cron.Start()
		j.started = true
	}
}

// Stop halts scheduling and waits for a running pass to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started {
		return
	}
	j.started = false
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
