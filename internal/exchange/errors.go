package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when the rate budget cannot grant a
	// request within its maximum wait, or the exchange keeps answering 429.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrStaleTimestamp is returned when a signed timestamp drifted past the
	// receive window before dispatch. The request is re-signed on retry.
	ErrStaleTimestamp = errors.New("signed timestamp outside receive window")
)

// Exchange error codes with special handling.
const (
	codeUnknownOrder     = -2011
	codeOrderNotExist    = -2013
	codeRecvWindow       = 700003
	codeInvalidSignature = 700002
	codeInvalidAPIKey    = 10072
	codeAPIKeyRequired   = 700001
	codeIPNotAllowed     = 700006
	codeNoPermission     = 700007
)

// AuthenticationError is fatal for the process and never retried.
type AuthenticationError struct {
	Status  int
	Code    int
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (http %d, code %d): %s", e.Status, e.Code, e.Message)
}

// RejectedError is a 4xx business rejection for one request. Not retried.
type RejectedError struct {
	Status  int
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (http %d, code %d): %s", e.Status, e.Code, e.Message)
}

// NotFound reports whether the exchange does not know the order, which also
// covers orders that already left the book.
func (e *RejectedError) NotFound() bool {
	if e.Code == codeUnknownOrder || e.Code == codeOrderNotExist {
		return true
	}
	msg := strings.ToLower(e.Message)
	for _, s := range []string{"order does not exist", "unknown order", "order not found", "already filled", "already canceled", "already cancelled"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// TransientError wraps network failures and 5xx answers.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient exchange error (http %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient exchange error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// tooManyRequests is the internal signal for a 429 answer.
type tooManyRequests struct {
	retryAfter time.Duration
	message    string
}

func (e *tooManyRequests) Error() string {
	return fmt.Sprintf("too many requests (retry after %s): %s", e.retryAfter, e.message)
}

// clockSkew is returned when the exchange refuses the timestamp itself.
type clockSkew struct{ message string }

func (e *clockSkew) Error() string { return "timestamp rejected by exchange: " + e.message }

// IsNotFound reports whether err says the order is unknown to the exchange.
func IsNotFound(err error) bool {
	var re *RejectedError
	return errors.As(err, &re) && re.NotFound()
}

// IsTransient reports whether err is worth retrying by the caller.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrRateLimitExceeded)
}

// IsAuthentication reports whether err is an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

func isAuthCode(code int) bool {
	switch code {
	case codeInvalidSignature, codeInvalidAPIKey, codeAPIKeyRequired, codeIPNotAllowed, codeNoPermission:
		return true
	}
	return false
}
