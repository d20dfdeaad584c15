package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// User-facing fallback messages
const (
	MsgFetchRosterFailed = "Failed to fetch GPU servers"
	MsgFetchServerFailed = "Failed to fetch GPU server"
	MsgServerNotFound    = "GPU server not found"
	MsgProvisionFailed   = "Failed to provision GPU server"
	MsgProvisionStarted  = "GPU server provisioning started"
)

// FetchError is the single error surfaced by a failed snapshot call
type FetchError struct {
	StatusCode int    // 0 when no response was received
	Message    string // user-facing message
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Message, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the request may succeed when repeated
func (e *FetchError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError
}

// IsNotFound reports whether err is a 404 from the snapshot API
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound
}

// UserMessage returns the message to display for err
func UserMessage(err error, fallback string) string {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return fallback
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}
