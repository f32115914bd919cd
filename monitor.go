package flashstation

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Monitor watches for device hotplug and auto-flashes every newly attached
// port until ctx is cancelled. The flash fires the moment the device
// appears, with no debounce; a device that re-enumerates quickly is simply
// flashed again. Devices already attached when monitoring starts are left
// alone.
//
// On cancellation the watcher stops first, then Monitor drains the attempts
// still in flight before returning.
func (s *Station) Monitor(ctx context.Context) error {
	if !s.monitoring.CompareAndSwap(false, true) {
		return errors.New("flashstation: monitor mode already active")
	}
	defer s.monitoring.Store(false)

	s.registry.StartMonitoring()
	log.Info().
		Str("backend", s.registry.Backend()).
		Strs("devices", s.registry.Known()).
		Msg("station: monitor mode started")

	<-ctx.Done()

	s.registry.StopMonitoring()
	if active := s.inflight.ports(); len(active) > 0 {
		log.Info().Strs("ports", active).Msg("station: waiting for in-flight attempts")
	}
	s.backgroundGroup.Wait()
	log.Info().Msg("station: monitor mode stopped")
	return nil
}
