// Package retry provides exponential backoff retry logic for transient failures.
//
// It is used where labctrl talks to infrastructure that may come up after the
// server does: the NATS catalog bucket and the Pebble store directory.
//
//	kv, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
//	    return js.CreateOrUpdateKeyValue(ctx, cfg)
//	})
//
// Wrap an error with NonRetryable to stop immediately.
package retry
