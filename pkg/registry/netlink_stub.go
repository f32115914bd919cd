//go:build !linux

package registry

import (
	"context"

	"github.com/pkg/errors"
)

type netlinkWatcher struct{}

func newNetlinkWatcher() (*netlinkWatcher, error) {
	return nil, errors.New("registry: kernel uevents are linux only")
}

func (w *netlinkWatcher) run(ctx context.Context, r *Registry) {}
