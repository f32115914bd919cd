//go:build linux

package registry

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// netlinkPollMillis bounds each socket wait so cancellation is observed
// promptly even when no uevents arrive.
const netlinkPollMillis = 500

// netlinkWatcher receives kernel hotplug uevents over an
// AF_NETLINK/KOBJECT_UEVENT socket and feeds tty transitions into the
// registry.
type netlinkWatcher struct {
	fd int
}

func newNetlinkWatcher() (*netlinkWatcher, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errors.Wrap(err, "registry: open uevent socket failed")
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "registry: bind uevent socket failed")
	}
	return &netlinkWatcher{fd: fd}, nil
}

func (w *netlinkWatcher) run(ctx context.Context, r *Registry) {
	defer unix.Close(w.fd)
	buf := make([]byte, 8192)
	for ctx.Err() == nil {
		fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, netlinkPollMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Warn().Err(err).Msg("registry: uevent poll failed, degrading to polling")
			r.runPollLoop(ctx)
			return
		}
		if n == 0 {
			continue
		}
		nr, _, err := unix.Recvfrom(w.fd, buf, 0)
		if err != nil {
			if err == unix.EINTR || err == unix.ENOBUFS {
				continue
			}
			log.Warn().Err(err).Msg("registry: uevent read failed, degrading to polling")
			r.runPollLoop(ctx)
			return
		}
		msg, ok := parseUEvent(buf[:nr])
		if !ok || msg.Subsystem != "tty" || msg.DevName == "" {
			continue
		}
		port := devNodePath(msg.DevName)
		if !r.matchesPatterns(port) {
			continue
		}
		switch msg.Action {
		case "add":
			r.noteAdded(port)
		case "remove":
			r.noteRemoved(port)
		}
	}
}
