package exchange

import (
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
)

// APIError is a mapped venue error with its numeric code.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
}

// Venue error codes the engine handles explicitly.
const (
	CodeMarginInsufficient  int64 = -2019
	CodeWouldTriggerNow     int64 = -2021
	CodeParamNotSupported   int64 = -1106
	CodeUnknownOrder        int64 = -2011
	CodeNotionalTooSmall    int64 = -4164
	CodeOrderRejected       int64 = -2010
	CodeTooManyRequests     int64 = -1003
	CodeInternalError       int64 = -1001
	CodeTimestampOutOfRange int64 = -1021
)

// Policy tells the caller how to react to a mapped venue error.
type Policy int

const (
	// PolicyFail surfaces the error to the caller.
	PolicyFail Policy = iota
	// PolicySkip abandons the operation without treating it as a fault
	// (e.g. insufficient margin on a reattach).
	PolicySkip
	// PolicyRetryOnceDelayed retries exactly once after a short delay
	// (trigger-would-fire-immediately race).
	PolicyRetryOnceDelayed
	// PolicyFallbackReduceOnly resubmits a close-position order as
	// reduce-only with an explicit quantity.
	PolicyFallbackReduceOnly
	// PolicyTreatSuccess treats the error as a no-op success (order
	// already gone, or reduce-only below min notional).
	PolicyTreatSuccess
	// PolicySkipThrottle abandons the operation and throttles the
	// symbol for a cool-off window.
	PolicySkipThrottle
	// PolicyBackoff retries with exponential backoff, honoring any
	// Retry-After hint.
	PolicyBackoff
)

// PolicyFor maps a venue error code to its handling policy.
func PolicyFor(code int64) Policy {
	switch code {
	case CodeMarginInsufficient:
		return PolicySkip
	case CodeWouldTriggerNow:
		return PolicyRetryOnceDelayed
	case CodeParamNotSupported:
		return PolicyFallbackReduceOnly
	case CodeUnknownOrder, CodeNotionalTooSmall:
		return PolicyTreatSuccess
	case CodeOrderRejected:
		return PolicySkipThrottle
	case CodeTooManyRequests:
		return PolicyBackoff
	default:
		return PolicyFail
	}
}

// AsAPIError extracts a mapped venue error, unwrapping both the
// engine's own APIError and the SDK's error type.
func AsAPIError(err error) (*APIError, bool) {
	if err == nil {
		return nil, false
	}
	var own *APIError
	if errors.As(err, &own) {
		return own, true
	}
	var sdk *common.APIError
	if errors.As(err, &sdk) {
		return &APIError{Code: sdk.Code, Message: sdk.Message}, true
	}
	return nil, false
}

// wrapVenueError normalizes SDK errors to APIError so callers can
// match on codes without importing the SDK.
func wrapVenueError(err error) error {
	if err == nil {
		return nil
	}
	var sdk *common.APIError
	if errors.As(err, &sdk) {
		return &APIError{Code: sdk.Code, Message: sdk.Message}
	}
	return err
}

// IsCode reports whether err maps to the given venue code.
func IsCode(err error, code int64) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}
