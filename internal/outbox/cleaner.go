package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig bounds how long finished subscriber pushes stay in the outbox.
//
// Delivered entries only serve the admin listing and are dropped once their
// last update is older than DeliveredMaxAge. Dead-lettered entries stay
// retryable through the admin API until they exceed DLQMaxAge or fall outside
// the newest DLQMaxCount. A zero age or count disables that limit.
type CleanerConfig struct {
	DeliveredMaxAge   time.Duration
	DeliveredInterval time.Duration

	DLQMaxAge   time.Duration
	DLQMaxCount int
	DLQInterval time.Duration
}

// sweep is one retention rule run on its own schedule
type sweep struct {
	name     string
	interval time.Duration
	prune    func(context.Context) (int, error)
}

// Cleaner enforces outbox retention in the background
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// sweeps returns the retention rules enabled by the config
func (c *Cleaner) sweeps() []sweep {
	var out []sweep
	if c.cfg.DeliveredMaxAge > 0 && c.cfg.DeliveredInterval > 0 {
		out = append(out, sweep{
			name:     "delivered",
			interval: c.cfg.DeliveredInterval,
			prune: func(ctx context.Context) (int, error) {
				return c.storage.CleanupDelivered(ctx, c.cfg.DeliveredMaxAge)
			},
		})
	}
	if (c.cfg.DLQMaxAge > 0 || c.cfg.DLQMaxCount > 0) && c.cfg.DLQInterval > 0 {
		out = append(out, sweep{
			name:     "dead_letter",
			interval: c.cfg.DLQInterval,
			prune: func(ctx context.Context) (int, error) {
				return c.storage.CleanupDLQ(ctx, c.cfg.DLQMaxAge, c.cfg.DLQMaxCount)
			},
		})
	}
	return out
}

// Start runs every enabled sweep once and then on its interval
func (c *Cleaner) Start(ctx context.Context) {
	for _, s := range c.sweeps() {
		c.wg.Add(1)
		go c.loop(ctx, s)
	}

	c.logger.Info("outbox retention started",
		"delivered_max_age", c.cfg.DeliveredMaxAge,
		"dlq_max_age", c.cfg.DLQMaxAge,
		"dlq_max_count", c.cfg.DLQMaxCount,
	)
}

func (c *Cleaner) Stop() {
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.logger.Info("outbox retention stopped")
	})
}

func (c *Cleaner) loop(ctx context.Context, s sweep) {
	defer c.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		c.run(ctx, s)

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
	}
}

func (c *Cleaner) run(ctx context.Context, s sweep) {
	pruned, err := s.prune(ctx)
	if err != nil {
		c.logger.Error("outbox retention sweep failed", "sweep", s.name, "error", err)
		return
	}
	if pruned > 0 {
		c.logger.Info("outbox entries pruned", "sweep", s.name, "count", pruned)
	}
}
