package interfaces

import (
	"context"

	"fleetwatch/internal/model"
)

// SnapshotFetcher authoritative snapshot API of the platform
type SnapshotFetcher interface {
	// FetchRoster retrieves every known server with up to messageLimit messages each
	FetchRoster(ctx context.Context, messageLimit int) (*model.Roster, error)

	// FetchServer retrieves one server with up to messageLimit messages
	FetchServer(ctx context.Context, serverID string, messageLimit int) (*model.ServerRecord, error)

	// Provision requests a new GPU server
	Provision(ctx context.Context) (*model.ProvisionResult, error)
}

// SessionProvider authenticated session of the operator
type SessionProvider interface {
	// Token returns the bearer token, empty when logged out
	Token() string

	// Valid reports whether a session is established
	Valid() bool
}

// FailureNotifier alerts operators about failure events
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, evt model.StatusEvent) error
}
