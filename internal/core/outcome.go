package core

import "errors"

// Failure classifies an error at the point it happens: retryable failures may
// be re-attempted by the scheduler, terminal ones are never retried.
type Failure struct {
	Err       error
	Retryable bool
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "unknown failure"
	}
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable marks err as eligible for a bounded number of re-attempts. An
// error that is already classified keeps its class.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Err: err, Retryable: true}
}

// Terminal marks err as never retryable. An error that is already classified
// keeps its class.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Err: err}
}

// IsRetryable reports whether err was classified as retryable. Unclassified
// errors are terminal.
func IsRetryable(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Retryable
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeRetry
	OutcomeFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of one job attempt. Data echoes the job input; on
// failure it also carries the error message under KeyError.
type Outcome struct {
	Kind  OutcomeKind
	Data  Data
	Error string
}

func Success(progress Data) Outcome {
	return Outcome{Kind: OutcomeSuccess, Data: progress.Clone()}
}

func Retry() Outcome {
	return Outcome{Kind: OutcomeRetry}
}

func Fail(progress Data, msg string) Outcome {
	out := progress.Clone()
	out[KeyError] = msg
	return Outcome{Kind: OutcomeFailure, Data: out, Error: msg}
}
