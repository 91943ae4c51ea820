package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/example/billing-messenger/internal/apperr"
)

// ErrTransient and ErrPermanent are sentinel errors adapters will use when
// classifying provider failures.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// ProviderFailure builds the apperr.ProviderError returned by adapters. The
// wrapped cause carries the transient or permanent marker.
func ProviderFailure(provider string, statusCode int, body string, err error, transient bool) error {
	cause := WrapPermanent(err)
	if transient {
		cause = WrapTransient(err)
	}
	return &apperr.ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Body:       TruncateRaw(body, DefaultRawBodyLimit),
		Err:        cause,
	}
}

// PassThrough reports whether err is already a taxonomy error that adapters
// must surface unchanged.
func PassThrough(err error) bool {
	return errors.Is(err, apperr.ErrConfiguration) || errors.Is(err, apperr.ErrNotConnected)
}

// IsTimeout reports whether err is a deadline, cancellation or network
// timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
