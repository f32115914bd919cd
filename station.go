// Package flashstation coordinates parallel firmware flashing across
// serial-attached ESP devices. A bounded worker pool drives the flash
// engine, per-port exclusivity holds across manual, batch, and hotplug
// entry points, and every finished attempt is persisted and fanned out to
// event sinks and reporting.
package flashstation

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/playztag/parallel-flash-esp32/pkg/flasher"
	"github.com/playztag/parallel-flash-esp32/pkg/history"
	"github.com/playztag/parallel-flash-esp32/pkg/mqtt"
	"github.com/playztag/parallel-flash-esp32/pkg/registry"
)

const (
	DefaultMaxWorkers   = 10
	DefaultFlashTimeout = 300 * time.Second
)

// ErrPortBusy rejects a flash request for a port that already has an
// attempt in flight.
var ErrPortBusy = errors.New("flash already in progress")

// FlashEngine runs one flash attempt against one port.
type FlashEngine interface {
	Flash(ctx context.Context, port, firmwarePath string, opts flasher.FlashOpts) flasher.Result
}

// HistoryStore persists finished attempts.
type HistoryStore interface {
	AddRecord(ctx context.Context, rec history.Record) (int64, error)
}

// ResultPublisher forwards finished attempts to external reporting.
type ResultPublisher interface {
	Publish(msg mqtt.ResultMessage) error
}

type noopStore struct{}

func (noopStore) AddRecord(context.Context, history.Record) (int64, error) { return 0, nil }

// Config controls Station behavior. Engine and FirmwarePath are required;
// everything else falls back to defaults.
type Config struct {
	FirmwarePath string
	FlashOffset  string
	MaxWorkers   int
	FlashTimeout time.Duration
	// LogDir receives one session log per attempt; empty disables them.
	LogDir string

	DevicePatterns []string
	PollInterval   time.Duration
	// ForcePoll skips the uevent hotplug backend even when available.
	ForcePoll bool

	Engine    FlashEngine
	Store     HistoryStore
	Events    EventSink
	Publisher ResultPublisher
}

// Station is the flashing orchestrator.
type Station struct {
	cfg       Config
	engine    FlashEngine
	store     HistoryStore
	events    EventSink
	publisher ResultPublisher
	registry  *registry.Registry

	sem             *semaphore.Weighted
	inflight        *inflightGuard
	monitoring      atomic.Bool
	backgroundGroup sync.WaitGroup
}

func New(cfg Config) (*Station, error) {
	if cfg.Engine == nil {
		return nil, errors.New("flashstation: engine cannot be nil")
	}
	if strings.TrimSpace(cfg.FirmwarePath) == "" {
		return nil, errors.New("flashstation: firmware path cannot be empty")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.FlashTimeout <= 0 {
		cfg.FlashTimeout = DefaultFlashTimeout
	}
	if cfg.FlashOffset == "" {
		cfg.FlashOffset = flasher.DefaultOffset
	}

	s := &Station{
		cfg:       cfg,
		engine:    cfg.Engine,
		store:     cfg.Store,
		events:    cfg.Events,
		publisher: cfg.Publisher,
		sem:       semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		inflight:  newInflightGuard(),
	}
	if s.store == nil {
		s.store = noopStore{}
	}
	if s.events == nil {
		s.events = noopEvents{}
	}
	s.registry = registry.New(registry.Config{
		Patterns:     cfg.DevicePatterns,
		PollInterval: cfg.PollInterval,
		ForcePoll:    cfg.ForcePoll,
		OnAdd:        s.handleDeviceAdded,
		OnRemove:     s.handleDeviceRemoved,
	})
	return s, nil
}

// FlashDevice flashes one port. An empty firmware falls back to the
// configured default image. The wait for a worker slot counts against the
// attempt budget. A port that already has an attempt in flight is rejected
// with ErrPortBusy; flash failures come back inside the Result, not as an
// error.
func (s *Station) FlashDevice(ctx context.Context, port, firmware string) (flasher.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if firmware == "" {
		firmware = s.cfg.FirmwarePath
	}
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.FlashTimeout)
	defer cancel()

	if !s.inflight.begin(port, cancel) {
		log.Warn().Str("port", port).Msg("station: flash already in progress")
		return flasher.Result{}, errors.Wrapf(ErrPortBusy, "station: %s", port)
	}
	defer s.inflight.end(port)

	startedAt := time.Now()
	if err := s.sem.Acquire(attemptCtx, 1); err != nil {
		msg := "Flash operation timed out"
		if errors.Is(err, context.Canceled) {
			msg = "Flash cancelled"
		}
		res := flasher.Result{Port: port, ErrorMsg: msg, Duration: time.Since(startedAt)}
		log.Error().Str("port", port).Str("reason", msg).Msg("station: attempt expired waiting for worker slot")
		s.finish(port, startedAt, firmware, res)
		return res, nil
	}
	defer s.sem.Release(1)

	res := s.runAttempt(attemptCtx, port, firmware)
	s.finish(port, startedAt, firmware, res)
	return res, nil
}

// FlashAll snapshots the currently attached devices and flashes them all
// within the worker bound, returning one result per snapshotted port. An
// empty firmware falls back to the configured default image. A failed scan
// is treated as zero devices.
func (s *Station) FlashAll(ctx context.Context, firmware string) map[string]flasher.Result {
	ports, err := s.registry.Scan()
	if err != nil {
		log.Warn().Err(err).Msg("station: device scan failed")
	}
	if len(ports) == 0 {
		log.Info().Msg("station: no devices to flash")
		return map[string]flasher.Result{}
	}
	return s.FlashPorts(ctx, ports, firmware)
}

// FlashPorts flashes the given ports concurrently within the worker bound
// and returns one result per port. Each attempt carries its own budget, so
// one stuck port cannot stall collection of the rest. A port rejected as
// busy gets a failed result carrying the rejection.
func (s *Station) FlashPorts(ctx context.Context, ports []string, firmware string) map[string]flasher.Result {
	results := make(map[string]flasher.Result, len(ports))
	if len(ports) == 0 {
		return results
	}
	log.Info().Int("count", len(ports)).Msg("station: flashing devices")

	type outcome struct {
		port string
		res  flasher.Result
	}
	resCh := make(chan outcome, len(ports))
	for _, port := range ports {
		port := port // pin per-iteration value; the go directive predates 1.22 loopvar scoping
		s.backgroundGroup.Add(1)
		go func() {
			defer s.backgroundGroup.Done()
			res, err := s.FlashDevice(ctx, port, firmware)
			if err != nil {
				res = flasher.Result{Port: port, ErrorMsg: err.Error()}
			}
			resCh <- outcome{port: port, res: res}
		}()
	}
	for range ports {
		out := <-resCh
		results[out.port] = out.res
	}
	return results
}

// StopAll cancels every in-flight attempt. The flashing tool is killed, so
// a device mid-write may be left partially programmed and need a reflash.
func (s *Station) StopAll() int {
	n := s.inflight.cancelAll()
	if n > 0 {
		log.Warn().Int("count", n).Msg("station: cancelled in-flight attempts")
	}
	return n
}

// Active returns the ports with attempts currently in flight.
func (s *Station) Active() []string {
	return s.inflight.ports()
}

// Wait blocks until background flash attempts complete.
func (s *Station) Wait() {
	s.backgroundGroup.Wait()
}

// RefreshDevices rescans the serial patterns and resynchronizes the known
// set with what is actually present, returning the fresh snapshot. It never
// fires hotplug callbacks; those stay exclusive to the monitoring backend.
func (s *Station) RefreshDevices() []string {
	return s.registry.Refresh()
}

// KnownDevices returns the ports the hotplug registry considers attached.
func (s *Station) KnownDevices() []string {
	return s.registry.Known()
}

func (s *Station) handleDeviceAdded(port string) {
	if !s.monitoring.Load() {
		return
	}
	log.Info().Str("port", port).Msg("station: device attached, auto-flashing")
	s.backgroundGroup.Add(1)
	go func() {
		defer s.backgroundGroup.Done()
		if _, err := s.FlashDevice(context.Background(), port, ""); err != nil {
			log.Warn().Err(err).Str("port", port).Msg("station: auto flash rejected")
		}
	}()
}

func (s *Station) handleDeviceRemoved(port string) {
	// An in-flight attempt on the detached port fails on its own through
	// the tool; nothing to tear down here.
	log.Debug().Str("port", port).Msg("station: device detached")
}

// finish persists and fans out one completed attempt. Persistence uses a
// fresh context so an expired attempt budget cannot lose the record.
func (s *Station) finish(port string, startedAt time.Time, firmware string, res flasher.Result) {
	logPath := s.writeSessionLog(port, startedAt, res)
	rec := history.Record{
		Timestamp: startedAt,
		Port:      port,
		MAC:       res.MAC,
		ChipType:  res.ChipType,
		Status:    statusOf(res),
		Duration:  res.Duration,
		Firmware:  firmware,
		LogPath:   logPath,
		ErrorMsg:  res.ErrorMsg,
	}
	if _, err := s.store.AddRecord(context.Background(), rec); err != nil {
		log.Error().Err(err).Str("port", port).Msg("station: record attempt failed")
	}
	s.events.FlashFinished(port, res)
	s.publish(res, startedAt, firmware)
}

func (s *Station) publish(res flasher.Result, startedAt time.Time, firmware string) {
	if s.publisher == nil {
		return
	}
	msg := mqtt.ResultMessage{
		Port:      res.Port,
		Status:    statusOf(res),
		ChipType:  res.ChipType,
		MAC:       res.MAC,
		DurationS: res.Duration.Seconds(),
		Firmware:  firmware,
		Error:     res.ErrorMsg,
		FlashedAt: startedAt.UTC().Format(time.RFC3339),
	}
	if err := s.publisher.Publish(msg); err != nil {
		log.Warn().Err(err).Str("port", res.Port).Msg("station: publish result failed")
	}
}

func statusOf(res flasher.Result) string {
	if res.Success {
		return history.StatusSuccess
	}
	return history.StatusFailed
}
