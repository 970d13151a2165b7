// Package worker provides a generic bounded worker pool.
//
// Submit never blocks: when the queue is full the item is dropped and
// ErrQueueFull returned. With a single worker the pool processes items in
// submission order, which is how the device drivers serialize their writes:
//
//	writer := worker.NewPool(1, 256, func(ctx context.Context, cmd Command) error {
//	    return cmd.Send(ctx)
//	}, worker.WithErrorHandler(func(cmd Command, err error) {
//	    logger.Warn("write failed", "cmd", cmd.Name, "error", err)
//	}))
//	_ = writer.Start(ctx)
//	defer writer.Stop(5 * time.Second)
//
// Statistics are always tracked with atomics; Prometheus metrics are
// registered only when WithMetricsRegistry is given.
package worker
