// Package session mints the per-consumer-context identifiers the
// leader-replicated fabric's election cell and the shared-host fabric's
// port registry key their state by.
package session

import (
	"github.com/google/uuid"

	"depthfeed/internal/model"
)

// NewTabID returns a fresh random identifier for one consumer context.
func NewTabID() string {
	return uuid.NewString()
}

// New builds a Session for a newly started consumer context, not yet
// elected leader and not yet attached to a fabric.
func New(mode model.SyncMode) *model.Session {
	return &model.Session{
		TabID:    NewTabID(),
		Leader:   false,
		SyncMode: mode,
	}
}
