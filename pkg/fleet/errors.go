package fleet

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned when a live subscription is requested without a valid session
var ErrNoSession = errors.New("no authenticated session")

// SubscriptionError the event channel could not be joined or was lost.
// The fleet view degrades to snapshot-only updates.
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription to %s failed: %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// MalformedEventError an inbound message could not be decoded into a status event
type MalformedEventError struct {
	Reason string
	Raw    []byte
}

func (e *MalformedEventError) Error() string {
	return "malformed status event: " + e.Reason
}

// IsMalformed reports whether err is a MalformedEventError
func IsMalformed(err error) bool {
	var target *MalformedEventError
	return errors.As(err, &target)
}
