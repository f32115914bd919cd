package main

import (
	"github.com/rs/zerolog/log"

	flashstation "github.com/playztag/parallel-flash-esp32"
	"github.com/playztag/parallel-flash-esp32/internal/config"
	"github.com/playztag/parallel-flash-esp32/internal/env"
	"github.com/playztag/parallel-flash-esp32/pkg/flasher"
	"github.com/playztag/parallel-flash-esp32/pkg/history"
	"github.com/playztag/parallel-flash-esp32/pkg/mqtt"
)

func loadConfig() (*config.Config, error) {
	return config.Load(rootConfigPath)
}

// cliEvents surfaces flash lifecycle events as log lines. Per-line progress
// stays at debug level so parallel runs do not interleave percent spam.
type cliEvents struct{}

func (cliEvents) FlashProgress(port string, percent int) {
	log.Debug().Str("port", port).Int("percent", percent).Msg("flash progress")
}

func (cliEvents) ChipDetected(port, chip, mac string) {
	log.Info().Str("port", port).Str("chip", chip).Str("mac", mac).Msg("chip detected")
}

func (cliEvents) FlashFinished(port string, res flasher.Result) {
	if res.Success {
		log.Info().Str("port", port).Dur("duration", res.Duration).Msg("flash succeeded")
		return
	}
	log.Error().Str("port", port).Str("error", res.ErrorMsg).Msg("flash failed")
}

func newEngine(cfg *config.Config) *flasher.Flasher {
	return flasher.New(flasher.Config{
		Chip:     cfg.Chip,
		BaudRate: cfg.BaudRate,
		Verify:   cfg.Verify,
		Binary:   env.String("ESPTOOL_PATH", cfg.Esptool),
	})
}

// newStation wires a full station from the loaded config. The returned
// cleanup closes the history store and, when enabled, the MQTT connection.
// An unreachable broker only disables reporting; it never blocks flashing.
func newStation(cfg *config.Config, events flashstation.EventSink) (*flashstation.Station, func(), error) {
	store, err := history.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	scfg := flashstation.Config{
		FirmwarePath:   cfg.FirmwarePath,
		FlashOffset:    cfg.FlashOffset,
		MaxWorkers:     cfg.MaxWorkers,
		FlashTimeout:   cfg.FlashTimeout,
		LogDir:         cfg.LogDir,
		DevicePatterns: cfg.DevicePatterns,
		PollInterval:   cfg.PollInterval,
		ForcePoll:      cfg.ForcePoll,
		Engine:         newEngine(cfg),
		Store:          store,
		Events:         events,
	}

	var pub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		pub, err = mqtt.NewPublisher(mqtt.Config{Broker: cfg.MQTT.Broker, Topic: cfg.MQTT.Topic})
		if err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("mqtt unreachable, result publishing disabled")
			pub = nil
		} else {
			scfg.Publisher = pub
		}
	}

	cleanup := func() {
		if pub != nil {
			pub.Close()
		}
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close history store failed")
		}
	}

	s, err := flashstation.New(scfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return s, cleanup, nil
}
