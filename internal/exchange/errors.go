package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrInsufficientBalance marks a paper order that could not be funded. The
// order is returned with status "rejected" and no error, so this sentinel
// only appears in logs and internal checks.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrAggregationUnavailable means every venue failed and no cached price
// exists. The aggregator never fabricates a price in that situation.
var ErrAggregationUnavailable = errors.New("all venues unavailable and no cached price")

// ErrNoTicker means a symbol has never been quoted, so there is no
// last-known value to fall back to.
var ErrNoTicker = errors.New("no ticker available")

// VenueError is a remote rejection carrying the venue's HTTP status.
// 5xx-class (and throttling) responses are transient; 4xx-class responses
// indicate a caller fault and are never retried.
type VenueError struct {
	Venue      string
	StatusCode int
	Message    string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Venue, e.StatusCode, e.Message)
}

// Transient reports whether the error is worth retrying.
func (e *VenueError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 418
}

// IsTransient classifies an error for the retry wrapper. Connection and
// timeout failures retry; venue rejections retry only when 5xx-class.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var venueErr *VenueError
	if errors.As(err, &venueErr) {
		return venueErr.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
