// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/querypilot/querypilot/internal/domain"
)

// Repository defines the interface for persisting terminated session records.
type Repository interface {
	// ArchiveSession persists the final state of a terminated session.
	// Archiving the same session again replaces the previous record.
	ArchiveSession(ctx context.Context, view domain.SessionView) error

	// GetArchivedSession retrieves an archived session by ID.
	// Returns (nil, nil) when no record exists.
	GetArchivedSession(ctx context.Context, sessionID string) (*domain.SessionView, error)

	// CleanupExpired removes archived sessions older than the retention window
	// and returns how many were deleted.
	CleanupExpired(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
