// Package errors provides standardized error handling for labctrl.
//
// # Error Classification
//
// Errors fall into three classes:
//
//   - Transient: device link timeouts, closed sockets, unavailable stores (retry or reconnect)
//   - Invalid: bad request parameters, unknown sources, short device replies (do not retry)
//   - Fatal: broken configuration (stop)
//
// Classification works through ClassifiedError values created by the Wrap
// family, falling back to the sentinel variables and then to message patterns.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// for example
//
//	if err := d.client.SetClock(ctx, v); err != nil {
//	    return errors.WrapTransient(err, "zynq", "SetValues", "set clock")
//	}
//
// # Retry Configuration
//
// RetryConfig.ToRetryConfig bridges to pkg/retry:
//
//	err := retry.Do(ctx, errors.DefaultRetryConfig().ToRetryConfig(), connect)
package errors
