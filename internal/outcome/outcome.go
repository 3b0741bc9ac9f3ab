// Package outcome carries the result of a reconciliation step as a tagged value
// so callers branch on the kind instead of inspecting error types.
package outcome

import (
	"errors"
	"fmt"
)

// Kind tags an Outcome.
type Kind int

const (
	Ok Kind = iota
	Retryable
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrRetry is wrapped by errors that convert back into a Retryable outcome.
var ErrRetry = errors.New("retry later")

// Outcome is the result of handling one unit of work.
type Outcome struct {
	Kind   Kind
	Reason string
	Err    error
}

func OK() Outcome { return Outcome{Kind: Ok} }

func Retry(reason string, err error) Outcome {
	return Outcome{Kind: Retryable, Reason: reason, Err: err}
}

func Fail(reason string, err error) Outcome {
	return Outcome{Kind: Fatal, Reason: reason, Err: err}
}

func (o Outcome) IsOK() bool        { return o.Kind == Ok }
func (o Outcome) IsRetryable() bool { return o.Kind == Retryable }
func (o Outcome) IsFatal() bool     { return o.Kind == Fatal }

// AsError converts a non-Ok outcome into an error. Retryable outcomes wrap
// ErrRetry. Ok returns nil.
func (o Outcome) AsError() error {
	switch o.Kind {
	case Ok:
		return nil
	case Retryable:
		if o.Err != nil {
			return fmt.Errorf("%s: %w: %w", o.Reason, ErrRetry, o.Err)
		}
		return fmt.Errorf("%s: %w", o.Reason, ErrRetry)
	default:
		if o.Err != nil {
			return fmt.Errorf("%s: %w", o.Reason, o.Err)
		}
		return errors.New(o.Reason)
	}
}

func (o Outcome) String() string {
	if o.Kind == Ok {
		return "ok"
	}
	if o.Err != nil {
		return fmt.Sprintf("%s(%s: %v)", o.Kind, o.Reason, o.Err)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
}

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// FromError maps err to an outcome: nil is Ok, errors wrapping ErrRetry or
// accepted by any of the classifiers are Retryable, the rest are Fatal.
func FromError(reason string, err error, retryable ...Classifier) Outcome {
	if err == nil {
		return OK()
	}
	if errors.Is(err, ErrRetry) {
		return Retry(reason, err)
	}
	for _, c := range retryable {
		if c(err) {
			return Retry(reason, err)
		}
	}
	return Fail(reason, err)
}

// Merge folds b into a keeping the most severe kind. The first non-Ok reason
// at that severity wins.
func Merge(a, b Outcome) Outcome {
	if b.Kind > a.Kind {
		return b
	}
	return a
}
