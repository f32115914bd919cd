package registry

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultPatterns are the device node globs scanned when none are configured.
// They cover the USB serial adapters ESP dev boards enumerate as on Linux and
// macOS.
var DefaultPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/cu.usbserial-*",
	"/dev/cu.SLAB_USBtoUART*",
}

const (
	backendNetlink = "netlink"
	backendPoll    = "poll"

	stopTimeout = 2 * time.Second
)

// Config configures a Registry. Zero values fall back to defaults.
type Config struct {
	// Patterns are device node globs; empty means DefaultPatterns.
	Patterns []string
	// PollInterval is the rescan cadence of the polling backend.
	PollInterval time.Duration
	// ForcePoll skips the uevent backend even when the socket is
	// available, for hosts where kernel events are unreliable.
	ForcePoll bool
	// OnAdd fires once per device appearance, OnRemove once per
	// disappearance. Both are invoked from the monitor goroutine.
	OnAdd    func(port string)
	OnRemove func(port string)
}

// Registry tracks the serial device nodes currently attached to the host and
// reports hotplug transitions. Detection prefers kernel uevents and falls
// back to interval polling when the uevent socket is unavailable.
type Registry struct {
	patterns     []string
	pollInterval time.Duration
	forcePoll    bool
	onAdd        func(string)
	onRemove     func(string)

	mu      sync.Mutex
	known   map[string]struct{}
	backend string
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config) *Registry {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Registry{
		patterns:     cfg.Patterns,
		pollInterval: cfg.PollInterval,
		forcePoll:    cfg.ForcePoll,
		onAdd:        cfg.OnAdd,
		onRemove:     cfg.OnRemove,
		known:        make(map[string]struct{}),
	}
}

// Scan enumerates device nodes matching the configured patterns, deduplicated
// and sorted. A bad pattern is reported but never hides matches from the
// remaining patterns.
func (r *Registry) Scan() ([]string, error) {
	var scanErr error
	seen := make(map[string]struct{})
	for _, pattern := range r.patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			if scanErr == nil {
				scanErr = errors.Wrapf(err, "registry: glob %s failed", pattern)
			}
			continue
		}
		for _, m := range matches {
			seen[m] = struct{}{}
		}
	}
	ports := make([]string, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports, scanErr
}

// Known returns a sorted copy of the ports the registry currently considers
// attached.
func (r *Registry) Known() []string {
	r.mu.Lock()
	ports := make([]string, 0, len(r.known))
	for p := range r.known {
		ports = append(ports, p)
	}
	r.mu.Unlock()
	sort.Strings(ports)
	return ports
}

// Backend reports which detection backend is active: "netlink", "poll", or
// "" before monitoring starts.
func (r *Registry) Backend() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend
}

// StartMonitoring begins hotplug detection. Devices already attached are
// recorded without firing OnAdd; only subsequent transitions produce
// callbacks. Calling it while monitoring is already active is a no-op.
func (r *Registry) StartMonitoring() {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	r.prime()

	var watcher *netlinkWatcher
	backend := backendPoll
	if !r.forcePoll {
		w, err := newNetlinkWatcher()
		if err != nil {
			log.Debug().Err(err).Msg("registry: uevent socket unavailable, using polling")
		} else {
			watcher = w
			backend = backendNetlink
		}
	}
	r.mu.Lock()
	r.backend = backend
	r.mu.Unlock()
	log.Info().Str("backend", backend).Strs("patterns", r.patterns).Msg("registry: monitoring started")

	go func() {
		defer close(done)
		if watcher != nil {
			watcher.run(ctx, r)
			return
		}
		r.runPollLoop(ctx)
	}()
}

// StopMonitoring halts detection and waits for the monitor goroutine to
// exit, bounded so shutdown cannot hang on a stuck backend. Safe to call
// without a prior StartMonitoring.
func (r *Registry) StopMonitoring() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.backend = ""
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		log.Warn().Msg("registry: monitor goroutine did not stop in time")
	}
}

// Refresh rescans the patterns and replaces the known set with the result,
// returning the fresh snapshot. No callbacks fire; hotplug events only ever
// come from the monitoring backend. A stale entry left behind by a missed
// uevent is cleared here, so the device's next appearance fires add again.
func (r *Registry) Refresh() []string {
	ports, err := r.Scan()
	if err != nil {
		log.Warn().Err(err).Msg("registry: scan failed")
	}
	r.mu.Lock()
	r.known = make(map[string]struct{}, len(ports))
	for _, p := range ports {
		r.known[p] = struct{}{}
	}
	r.mu.Unlock()
	return ports
}

// reconcile rescans and fires the callbacks for every transition it
// uncovers. The polling backend runs it on each tick.
func (r *Registry) reconcile() {
	ports, err := r.Scan()
	if err != nil {
		log.Warn().Err(err).Msg("registry: scan failed")
	}
	current := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		current[p] = struct{}{}
	}

	var added, removed []string
	r.mu.Lock()
	for p := range current {
		if _, ok := r.known[p]; !ok {
			r.known[p] = struct{}{}
			added = append(added, p)
		}
	}
	for p := range r.known {
		if _, ok := current[p]; !ok {
			delete(r.known, p)
			removed = append(removed, p)
		}
	}
	r.mu.Unlock()

	sort.Strings(removed)
	sort.Strings(added)
	for _, p := range removed {
		log.Info().Str("port", p).Msg("registry: device disconnected")
		if r.onRemove != nil {
			r.onRemove(p)
		}
	}
	for _, p := range added {
		log.Info().Str("port", p).Msg("registry: device connected")
		if r.onAdd != nil {
			r.onAdd(p)
		}
	}
}

// prime records the devices present at startup without firing callbacks.
func (r *Registry) prime() {
	ports, err := r.Scan()
	if err != nil {
		log.Warn().Err(err).Msg("registry: initial scan failed")
	}
	r.mu.Lock()
	for _, p := range ports {
		r.known[p] = struct{}{}
	}
	r.mu.Unlock()
	log.Debug().Int("count", len(ports)).Msg("registry: initial device scan")
}

func (r *Registry) matchesPatterns(port string) bool {
	for _, pattern := range r.patterns {
		if ok, err := filepath.Match(pattern, port); err == nil && ok {
			return true
		}
	}
	return false
}

// noteAdded registers a hotplug appearance, firing OnAdd only on the
// unknown-to-known transition.
func (r *Registry) noteAdded(port string) {
	r.mu.Lock()
	if _, ok := r.known[port]; ok {
		r.mu.Unlock()
		return
	}
	r.known[port] = struct{}{}
	r.mu.Unlock()
	log.Info().Str("port", port).Msg("registry: device connected")
	if r.onAdd != nil {
		r.onAdd(port)
	}
}

// noteRemoved registers a hotplug disappearance, firing OnRemove only on the
// known-to-unknown transition.
func (r *Registry) noteRemoved(port string) {
	r.mu.Lock()
	if _, ok := r.known[port]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.known, port)
	r.mu.Unlock()
	log.Info().Str("port", port).Msg("registry: device disconnected")
	if r.onRemove != nil {
		r.onRemove(port)
	}
}
