package flasher

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// probeSerial opens the device node briefly to confirm it exists and is
// accessible. Non-blocking so a wedged adapter cannot stall the probe.
var probeSerial = func(port string) error {
	fd, err := unix.Open(port, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return errors.Wrapf(err, "flasher: open %s failed", port)
	}
	unix.Close(fd)
	return nil
}
