package binance

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Exchange error codes the engine branches on.
const (
	codeTooManyRequests  = -1003
	codeInvalidTimestamp = -1021 // timestamp outside recvWindow
	codeInvalidSignature = -1022
	codeCancelRejected   = -2011 // unknown order on cancel
	codeNoSuchOrder      = -2013
	codeReduceOnlyReject = -2022
)

// Sentinels callers match with errors.Is. APIError implements Is so the
// matching works however deep the wrapping goes.
var (
	// ErrNoLiquidity marks an empty order-book side.
	ErrNoLiquidity = errors.New("no liquidity on requested book side")
	// ErrUnknownOrder marks cancel/query of an order the exchange no longer
	// knows, typically a cancel racing a fill.
	ErrUnknownOrder = errors.New("order unknown to exchange")
	// ErrReduceOnlyRejected marks a reduce-only order bounced because the
	// position is already flat.
	ErrReduceOnlyRejected = errors.New("reduce-only order rejected")
)

// APIError is a structured exchange rejection: the HTTP status plus the
// venue's own {code, msg} body.
type APIError struct {
	HTTPStatus int
	Code       int
	Msg        string
	// RetryAfter carries the Retry-After header of a 429, when present.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d (http %d): %s", e.Code, e.HTTPStatus, e.Msg)
}

// Is maps wire codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnknownOrder:
		return e.Code == codeCancelRejected || e.Code == codeNoSuchOrder
	case ErrReduceOnlyRejected:
		return e.Code == codeReduceOnlyReject
	}
	return false
}

// RateLimited reports a throttling rejection.
func (e *APIError) RateLimited() bool {
	return e.HTTPStatus == 429 || e.Code == codeTooManyRequests
}

// ClockSkew reports a signed-request timestamp rejection.
func (e *APIError) ClockSkew() bool { return e.Code == codeInvalidTimestamp }

// serverSide reports a 5xx.
func (e *APIError) serverSide() bool { return e.HTTPStatus >= 500 }

// IsClockSkew reports whether err is a timestamp-window rejection, which
// callers repair with a clock resync rather than plain backoff.
func IsClockSkew(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ClockSkew()
}

// IsRateLimited reports whether err is a throttling rejection.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}

// Retryable reports whether a retry can reasonably succeed: transport
// failures (timeout, reset, DNS), throttling, server errors, and clock skew.
// Validation and business rejections are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RateLimited() || apiErr.serverSide() || apiErr.ClockSkew()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
