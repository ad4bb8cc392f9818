package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/listsync/internal/mailchimp"
	"github.com/foxzi/listsync/internal/metrics"
)

// Sender delivers an entry's payload to Mailchimp
type Sender interface {
	Deliver(ctx context.Context, e *Entry) error
}

// ErrorChecker reports whether a delivery error is worth retrying
type ErrorChecker func(err error) bool

// Processor delivers outbox entries in the background
type Processor struct {
	queue           Queue
	sender          Sender
	workers         int
	retryInterval   time.Duration
	maxRetries      int
	processInterval time.Duration
	isTemporary     ErrorChecker
	logger          *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	ProcessInterval time.Duration
}

// NewProcessor creates a new outbox processor. A nil isTemp treats every
// error as temporary.
func NewProcessor(q Queue, sender Sender, cfg ProcessorConfig, isTemp ErrorChecker, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 5 * time.Second
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Processor{
		queue:           q,
		sender:          sender,
		workers:         cfg.Workers,
		retryInterval:   cfg.RetryInterval,
		maxRetries:      cfg.MaxRetries,
		processInterval: cfg.ProcessInterval,
		isTemporary:     isTemp,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting outbox processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping outbox processor")
		close(p.stopCh)
		p.wg.Wait()
		p.logger.Info("outbox processor stopped")
	})
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			// Drain everything that is due before waiting again
			for p.ProcessOne(ctx, logger) {
				select {
				case <-ctx.Done():
					return
				case <-p.stopCh:
					return
				default:
				}
			}
		}
	}
}

// ProcessOne delivers a single due entry. It reports whether an entry was taken.
func (p *Processor) ProcessOne(ctx context.Context, logger *slog.Logger) bool {
	e, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue entry", "error", err)
		return false
	}
	if e == nil {
		return false
	}

	logger = logger.With("entry_id", e.ID, "list_id", e.ListID)
	logger.Debug("processing entry")

	sendCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err = p.sender.Deliver(sendCtx, e)
	cancel()

	if err == nil || mailchimp.IsMemberExists(err) {
		e.Status = StatusDelivered
		e.LastError = ""
		if err != nil {
			e.Note = mailchimp.TitleMemberExists
		}
		if err := p.queue.Update(ctx, e); err != nil {
			logger.Error("failed to update entry status", "error", err)
		}

		metrics.IncOutboxDelivered(e.ListID)
		logger.Info("entry delivered", "retry_count", e.RetryCount, "note", e.Note)
		return true
	}

	logger.Warn("delivery failed", "error", err, "retry_count", e.RetryCount)

	e.RetryCount++
	e.LastError = err.Error()

	if p.isTemporary(err) && e.RetryCount < p.maxRetries {
		backoff := p.calculateBackoff(e.RetryCount)
		e.Status = StatusDeferred
		e.NextRetryAt = time.Now().Add(backoff)

		if err := p.queue.Update(ctx, e); err != nil {
			logger.Error("failed to update entry status", "error", err)
		}

		metrics.IncOutboxDeferred(e.ListID)
		logger.Info("entry deferred",
			"retry_count", e.RetryCount,
			"next_retry_at", e.NextRetryAt,
			"backoff", backoff,
		)
		return true
	}

	if err := p.queue.MoveToDLQ(ctx, e); err != nil {
		logger.Error("failed to move entry to dead letter queue", "error", err)
	}

	metrics.IncOutboxFailed(e.ListID, errorType(err))
	logger.Error("entry failed permanently",
		"retry_count", e.RetryCount,
		"max_retries", p.maxRetries,
	)
	return true
}

// calculateBackoff returns retry_interval * 2^(retry_count-1), capped at 12x
// the interval and one hour
func (p *Processor) calculateBackoff(retryCount int) time.Duration {
	multiplier := 1 << (retryCount - 1)
	if multiplier > 12 {
		multiplier = 12
	}

	backoff := time.Duration(multiplier) * p.retryInterval

	maxBackoff := time.Hour
	if backoff > maxBackoff {
		return maxBackoff
	}

	return backoff
}

func errorType(err error) string {
	var apiErr *mailchimp.APIError
	switch {
	case errors.Is(err, mailchimp.ErrNoAPIKey):
		return "no_api_key"
	case errors.As(err, &apiErr):
		if apiErr.Status >= 500 || apiErr.Status == 429 {
			return "temporary"
		}
		return "rejected"
	default:
		return "transport"
	}
}
