package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
)

const maxDeliveryAttempts = 5

// Dispatcher queues events and delivers them from a background worker, so a
// slow or failing webhook never stalls the engine. Failed deliveries are
// requeued with exponential backoff and dropped after maxDeliveryAttempts.
type Dispatcher struct {
	queue  workqueue.TypedRateLimitingInterface[string]
	sender Sender
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewDispatcher builds a Dispatcher delivering through sender.
func NewDispatcher(sender Sender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[string](time.Second, 30*time.Second),
	)
	queue := workqueue.NewTypedRateLimitingQueueWithConfig(limiter,
		workqueue.TypedRateLimitingQueueConfig[string]{Name: "alerts"})
	return &Dispatcher{
		queue:  queue,
		sender: sender,
		logger: logger.WithGroup("alert"),
	}
}

// Start launches the delivery worker. Call Close to stop it.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.runWorker(ctx)
}

// Notify implements Notifier. It only enqueues; delivery happens later.
func (d *Dispatcher) Notify(_ context.Context, ev Event) {
	d.queue.Add(ev.render())
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		msg, shutdown := d.queue.Get()
		if shutdown {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		d.deliver(sendCtx, msg)
		cancel()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg string) {
	defer d.queue.Done(msg)

	err := d.sender.Send(ctx, msg)
	if err == nil {
		d.queue.Forget(msg)
		return
	}
	if errors.Is(err, context.Canceled) {
		d.queue.Forget(msg)
		return
	}
	if d.queue.NumRequeues(msg) < maxDeliveryAttempts {
		d.queue.AddRateLimited(msg)
		return
	}
	d.logger.Warn("dropping alert after repeated delivery failures",
		slog.String("message", msg),
		slog.String("error", err.Error()))
	d.queue.Forget(msg)
}

// Close drains the queue and stops the worker, waiting at most timeout for
// pending deliveries.
func (d *Dispatcher) Close(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.queue.ShutDownWithDrain()
		d.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.logger.Warn("alert dispatcher close timed out, abandoning pending alerts")
		d.queue.ShutDown()
	}
}
