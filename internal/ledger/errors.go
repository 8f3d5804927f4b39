package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ConnectivityError means the explorer or node could not be reached. It must
// never be read as an empty history or a zero balance.
type ConnectivityError struct {
	Endpoint string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("ledger: %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// QueryError is returned when the explorer answers with a non-success status.
// Records fetched on earlier pages are discarded together with the error.
// Status holds the HTTP status when the explorer rejected the request itself.
type QueryError struct {
	Action  string
	Page    int
	Fetched int
	Status  int
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("ledger: %s query failed on page %d after %d records: %s", e.Action, e.Page, e.Fetched, e.Message)
}

// ChainReadError is returned when a contract read reverts or its output cannot be decoded.
type ChainReadError struct {
	Contract string
	Method   string
	Err      error
}

func (e *ChainReadError) Error() string {
	return fmt.Sprintf("ledger: %s on %s failed: %v", e.Method, e.Contract, e.Err)
}

func (e *ChainReadError) Unwrap() error { return e.Err }

// IsRetryable reports whether a caller-side retry may succeed: transport
// failures and provider rate limiting.
func IsRetryable(err error) bool {
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return true
	}
	var queryErr *QueryError
	if errors.As(err, &queryErr) {
		return queryErr.Status == http.StatusTooManyRequests || isRateLimitMessage(queryErr.Message)
	}
	return false
}

func isRateLimitMessage(msg string) bool {
	lowered := strings.ToLower(msg)
	return strings.Contains(lowered, "rate limit") || strings.Contains(lowered, "too many requests")
}
