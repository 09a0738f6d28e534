package alerting

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/time/rate"
)

// Notification is a committed workflow event plus the alert state it produced.
type Notification struct {
	Alert *Alert
	Event *WorkflowEvent
}

// Notifier delivers notifications to one external sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n *Notification) error
}

// DispatchHooks are optional callbacks for dispatcher observability.
type DispatchHooks struct {
	OnSent    func(sink string, duration float64)
	OnFailed  func(sink string)
	OnDropped func()
}

// DispatcherConfig bounds dispatcher resource use.
type DispatcherConfig struct {
	QueueSize   int
	RatePerSec  float64
	Burst       int
	SinkTimeout time.Duration
}

const (
	defaultQueueSize   = 1024
	defaultSinkTimeout = 10 * time.Second
)

// Dispatcher fans committed events out to notifiers from a bounded queue.
// Publish never blocks; when the queue is full the notification is dropped.
// Sink failures are logged and never reach the transition that produced them.
type Dispatcher struct {
	queue   chan *Notification
	sinks   []Notifier
	limiter *rate.Limiter
	timeout time.Duration
	logger  log.Logger
	hooks   DispatchHooks
}

// NewDispatcher creates a dispatcher. Call Run to start delivery.
func NewDispatcher(cfg DispatcherConfig, logger log.Logger, hooks DispatchHooks, sinks ...Notifier) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		queue:   make(chan *Notification, cfg.QueueSize),
		sinks:   sinks,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		timeout: cfg.SinkTimeout,
		logger:  logger,
		hooks:   hooks,
	}
}

// Publish enqueues n for delivery.
func (d *Dispatcher) Publish(ctx context.Context, n *Notification) {
	if len(d.sinks) == 0 || n == nil {
		return
	}
	select {
	case d.queue <- n:
	default:
		if d.hooks.OnDropped != nil {
			d.hooks.OnDropped()
		}
		d.logger.Warn(ctx, "notification queue full, dropping event",
			"alert_id", n.Event.AlertID,
			"action", n.Event.Action,
		)
	}
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run delivers queued notifications until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-d.queue:
			if !d.deliver(ctx, n) {
				return nil
			}
		}
	}
}

// Flush delivers whatever is still queued, stopping early if ctx ends.
func (d *Dispatcher) Flush(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.abandoned(ctx)
			return
		case n := <-d.queue:
			if !d.deliver(ctx, n) {
				d.abandoned(ctx)
				return
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) abandoned(ctx context.Context) {
	if left := len(d.queue); left > 0 {
		d.logger.Warn(ctx, "dispatcher flush abandoned queued events", "remaining", left)
	}
}

// deliver sends n to every sink. It reports false when ctx ended while
// waiting on the rate limiter, in which case n has been put back on the queue.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) bool {
	if err := d.limiter.Wait(ctx); err != nil {
		d.requeue(ctx, n, err)
		return false
	}
	for _, s := range d.sinks {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Notify(sctx, n)
		cancel()
		if err != nil {
			if d.hooks.OnFailed != nil {
				d.hooks.OnFailed(s.Name())
			}
			d.logger.Error(ctx, err, "notification delivery failed",
				"sink", s.Name(),
				"alert_id", n.Event.AlertID,
				"action", n.Event.Action,
			)
			continue
		}
		if d.hooks.OnSent != nil {
			d.hooks.OnSent(s.Name(), time.Since(start).Seconds())
		}
	}
	return true
}

// requeue returns an undelivered notification to the queue so a later Run or
// Flush picks it up. Order relative to newer events is not kept.
func (d *Dispatcher) requeue(ctx context.Context, n *Notification, cause error) {
	select {
	case d.queue <- n:
	default:
		if d.hooks.OnDropped != nil {
			d.hooks.OnDropped()
		}
		d.logger.Warn(ctx, "notification queue full after rate limit wait, dropping event",
			"alert_id", n.Event.AlertID,
			"action", n.Event.Action,
			"err", cause,
		)
	}
}
