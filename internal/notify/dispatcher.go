package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/ovh-sniper/internal/metrics"
	"github.com/rickgao/ovh-sniper/internal/model"
)

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	MaxPending int           // queue limit; further notifications are dropped
	Timeout    time.Duration // per-delivery timeout
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxPending: 1000,
		Timeout:    10 * time.Second,
	}
}

// Dispatcher queues notifications and delivers them on a background worker.
type Dispatcher struct {
	cfg     DispatcherConfig
	sink    Sink
	queue   *queue[model.Notification]
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sink.
func NewDispatcher(cfg DispatcherConfig, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDispatcherConfig().Timeout
	}
	return &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		queue:   newQueue[model.Notification](64, cfg.MaxPending),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run()

	d.logger.Info("notification dispatcher started", "max_pending", d.cfg.MaxPending)
}

// Stop closes the queue and waits for pending notifications to be delivered
// or for ctx to expire, whichever comes first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.queue.close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if d.cancel != nil {
			d.cancel()
		}
		d.logger.Info("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		if d.cancel != nil {
			d.cancel()
		}
		<-done
		return ctx.Err()
	}
}

// Notify enqueues n for delivery. It never blocks.
func (d *Dispatcher) Notify(n model.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = d.now()
	}
	if !d.queue.push(n) {
		d.metrics.Notification(string(n.Kind), metrics.NotifyDropped)
		d.logger.Warn("notification dropped",
			"kind", string(n.Kind),
			"watch_id", n.WatchID,
			"pending", d.queue.len(),
		)
		return
	}
	d.metrics.SetNotifyPending(d.queue.len())
}

// Stats returns queue statistics.
func (d *Dispatcher) Stats() QueueStats {
	return d.queue.stats()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		n, ok := d.queue.pop()
		if !ok {
			return
		}
		d.metrics.SetNotifyPending(d.queue.len())
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n model.Notification) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()

	if err := d.sink.Notify(ctx, n); err != nil {
		d.metrics.Notification(string(n.Kind), metrics.NotifyFailed)
		d.logger.Warn("notification delivery failed",
			"kind", string(n.Kind),
			"watch_id", n.WatchID,
			"err", err,
		)
		return
	}
	d.metrics.Notification(string(n.Kind), metrics.NotifySent)
}
