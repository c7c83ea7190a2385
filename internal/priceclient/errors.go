package priceclient

import "fmt"

// Kind classifies a price-fetch failure.
type Kind string

const (
	// KindThrottled means the provider returned its rate-limit sentinel.
	// Retriable; drives the rate limiter's backoff.
	KindThrottled Kind = "throttled"
	// KindTransient covers network, DNS, and 5xx failures. Retriable.
	KindTransient Kind = "transient"
	// KindNotFound means the provider does not recognize the symbol.
	// Non-retriable.
	KindNotFound Kind = "not_found"
	// KindBadData means the response parsed but yielded no usable records.
	// Retriable up to the attempts bound.
	KindBadData Kind = "bad_data"
)

// FetchError is the one error type every priceclient operation returns.
type FetchError struct {
	Kind   Kind
	Ticker string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("priceclient: %s fetch for %s: %v", e.Kind, e.Ticker, e.Err)
	}
	return fmt.Sprintf("priceclient: %s fetch for %s", e.Kind, e.Ticker)
}

func (e *FetchError) Unwrap() error { return e.Err }

func newFetchError(kind Kind, ticker string, err error) *FetchError {
	return &FetchError{Kind: kind, Ticker: ticker, Err: err}
}

// Retriable reports whether the Backfill Engine should retry the job that
// produced this error (everything except NotFound).
func (e *FetchError) Retriable() bool {
	return e.Kind != KindNotFound
}
