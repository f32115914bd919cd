package registry

import (
	"context"
	"time"
)

// runPollLoop rescans at the configured interval until ctx is cancelled.
// Each tick reconciles against the known set, so callback semantics are
// identical to the uevent backend.
func (r *Registry) runPollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile()
		}
	}
}
