package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Provider error classes. Adapters wrap every failure in exactly one of
// ErrNotFound, ErrTransient or ErrPermanent.
var (
	// ErrNotFound indicates the event or channel no longer exists.
	ErrNotFound = errors.New("calendar: resource not found")

	// ErrTransient indicates a failure that may succeed on redelivery.
	ErrTransient = errors.New("calendar: transient provider error")

	// ErrPermanent indicates a failure that will not go away by retrying.
	ErrPermanent = errors.New("calendar: permanent provider error")

	// ErrRevoked indicates the account's refresh token is no longer valid.
	// It is always paired with ErrPermanent.
	ErrRevoked = errors.New("calendar: credentials revoked")

	// ErrWatchUnsupported is returned by providers without push notifications.
	ErrWatchUnsupported = errors.New("calendar: push notifications not supported")
)

func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }
func IsRevoked(err error) bool   { return errors.Is(err, ErrRevoked) }

// usage-limit reasons Google reports with a 403 status.
var retryableReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// wrapError classifies err and prefixes it with the failed operation.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", op, classify(err))
}

func classify(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" || strings.Contains(string(rerr.Body), "invalid_grant") {
			return fmt.Errorf("%w: %w: %w", ErrPermanent, ErrRevoked, err)
		}
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyStatus(gerr.Code, reasons(gerr), err)
	}

	var herr *httpStatusError
	if errors.As(err, &herr) {
		return classifyStatus(herr.Code, nil, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func classifyStatus(code int, reasons []string, err error) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case code == http.StatusForbidden:
		for _, r := range reasons {
			if retryableReasons[r] {
				return fmt.Errorf("%w: %w", ErrTransient, err)
			}
		}
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	default:
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
}

func reasons(gerr *googleapi.Error) []string {
	out := make([]string, 0, len(gerr.Errors))
	for _, item := range gerr.Errors {
		out = append(out, item.Reason)
	}
	return out
}

// httpStatusError is returned by the CalDAV adapter for unexpected responses.
type httpStatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
}
