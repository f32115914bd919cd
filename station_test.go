package flashstation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/playztag/parallel-flash-esp32/pkg/flasher"
	"github.com/playztag/parallel-flash-esp32/pkg/history"
	"github.com/playztag/parallel-flash-esp32/pkg/mqtt"
)

type stubEngine struct {
	mu     sync.Mutex
	called []string
	handle func(ctx context.Context, port, firmware string, opts flasher.FlashOpts) flasher.Result
}

func (e *stubEngine) Flash(ctx context.Context, port, firmware string, opts flasher.FlashOpts) flasher.Result {
	e.mu.Lock()
	e.called = append(e.called, port)
	e.mu.Unlock()
	if e.handle != nil {
		return e.handle(ctx, port, firmware, opts)
	}
	return flasher.Result{
		Success:  true,
		Port:     port,
		ChipType: "ESP32",
		MAC:      "aa:bb:cc:dd:ee:ff",
		Duration: 15 * time.Millisecond,
		Output:   []string{"Writing at 0x00001000... (100 %)", "Hash of data verified."},
	}
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.called)
}

func (e *stubEngine) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.called))
	copy(out, e.called)
	return out
}

type recordingStore struct {
	mu   sync.Mutex
	recs []history.Record
	err  error
}

func (s *recordingStore) AddRecord(_ context.Context, rec history.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.recs = append(s.recs, rec)
	return int64(len(s.recs)), nil
}

func (s *recordingStore) records() []history.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []mqtt.ResultMessage
	err  error
}

func (p *recordingPublisher) Publish(msg mqtt.ResultMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) messages() []mqtt.ResultMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]mqtt.ResultMessage, len(p.msgs))
	copy(out, p.msgs)
	return out
}

type chanEvents struct {
	progress chan int
	chips    chan string
	finished chan flasher.Result
}

func newChanEvents() *chanEvents {
	return &chanEvents{
		progress: make(chan int, 16),
		chips:    make(chan string, 16),
		finished: make(chan flasher.Result, 16),
	}
}

func (e *chanEvents) FlashProgress(_ string, percent int) { e.progress <- percent }

func (e *chanEvents) ChipDetected(_, chip, mac string) { e.chips <- chip + "/" + mac }

func (e *chanEvents) FlashFinished(_ string, res flasher.Result) { e.finished <- res }

func newTestStation(t *testing.T, cfg Config) *Station {
	t.Helper()
	if cfg.Engine == nil {
		cfg.Engine = &stubEngine{}
	}
	if cfg.FirmwarePath == "" {
		cfg.FirmwarePath = "firmware/app.bin"
	}
	if len(cfg.DevicePatterns) == 0 {
		cfg.DevicePatterns = []string{filepath.Join(t.TempDir(), "ttyUSB*")}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	cfg.ForcePoll = true
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new station: %v", err)
	}
	return s
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{FirmwarePath: "fw.bin"}); err == nil {
		t.Fatal("expected error for nil engine")
	}
	if _, err := New(Config{Engine: &stubEngine{}}); err == nil {
		t.Fatal("expected error for empty firmware path")
	}

	s, err := New(Config{Engine: &stubEngine{}, FirmwarePath: "fw.bin"})
	if err != nil {
		t.Fatalf("new station: %v", err)
	}
	if s.cfg.MaxWorkers != DefaultMaxWorkers {
		t.Fatalf("max workers = %d, want %d", s.cfg.MaxWorkers, DefaultMaxWorkers)
	}
	if s.cfg.FlashTimeout != DefaultFlashTimeout {
		t.Fatalf("flash timeout = %s, want %s", s.cfg.FlashTimeout, DefaultFlashTimeout)
	}
	if s.cfg.FlashOffset != flasher.DefaultOffset {
		t.Fatalf("flash offset = %q, want %q", s.cfg.FlashOffset, flasher.DefaultOffset)
	}
}

func TestFlashDeviceSuccessFlow(t *testing.T) {
	logDir := t.TempDir()
	engine := &stubEngine{
		handle: func(_ context.Context, port, _ string, opts flasher.FlashOpts) flasher.Result {
			opts.OnChipInfo("ESP32-S3", "24:0a:c4:00:11:22")
			opts.OnProgress(42)
			opts.OnProgress(100)
			return flasher.Result{
				Success:  true,
				Port:     port,
				ChipType: "ESP32-S3",
				MAC:      "24:0a:c4:00:11:22",
				Duration: 12 * time.Second,
				Output:   []string{"Chip is ESP32-S3", "Hash of data verified."},
			}
		},
	}
	store := &recordingStore{}
	pub := &recordingPublisher{}
	events := newChanEvents()
	s := newTestStation(t, Config{
		Engine:       engine,
		FirmwarePath: "firmware/app.bin",
		LogDir:       logDir,
		Store:        store,
		Events:       events,
		Publisher:    pub,
	})

	res, err := s.FlashDevice(context.Background(), "/dev/ttyUSB0", "")
	if err != nil {
		t.Fatalf("flash device: %v", err)
	}
	if !res.Success {
		t.Fatalf("result not successful: %+v", res)
	}

	recs := store.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != history.StatusSuccess {
		t.Fatalf("record status = %q, want %q", rec.Status, history.StatusSuccess)
	}
	if rec.Port != "/dev/ttyUSB0" || rec.ChipType != "ESP32-S3" || rec.MAC != "24:0a:c4:00:11:22" {
		t.Fatalf("record identity wrong: %+v", rec)
	}
	if rec.Firmware != "firmware/app.bin" {
		t.Fatalf("record firmware = %q", rec.Firmware)
	}
	if rec.LogPath == "" {
		t.Fatal("record has no session log path")
	}
	data, readErr := os.ReadFile(rec.LogPath)
	if readErr != nil {
		t.Fatalf("read session log: %v", readErr)
	}
	if !strings.Contains(string(data), "Hash of data verified.") {
		t.Fatalf("session log missing tool output: %q", data)
	}
	if base := filepath.Base(rec.LogPath); !strings.HasPrefix(base, "_dev_ttyUSB0_") {
		t.Fatalf("session log name = %q, want _dev_ttyUSB0_ prefix", base)
	}

	msgs := pub.messages()
	if len(msgs) != 1 {
		t.Fatalf("published = %d, want 1", len(msgs))
	}
	if msgs[0].Status != history.StatusSuccess || msgs[0].Port != "/dev/ttyUSB0" {
		t.Fatalf("published message wrong: %+v", msgs[0])
	}
	if msgs[0].DurationS != 12.0 {
		t.Fatalf("published duration = %v, want 12", msgs[0].DurationS)
	}

	if got := <-events.chips; got != "ESP32-S3/24:0a:c4:00:11:22" {
		t.Fatalf("chip event = %q", got)
	}
	if got := <-events.progress; got != 42 {
		t.Fatalf("first progress = %d, want 42", got)
	}
	fin := <-events.finished
	if !fin.Success {
		t.Fatalf("finished event not successful: %+v", fin)
	}
}

func TestFlashDeviceRecordsFailure(t *testing.T) {
	engine := &stubEngine{
		handle: func(_ context.Context, port, _ string, _ flasher.FlashOpts) flasher.Result {
			return flasher.Result{Port: port, ErrorMsg: "esptool failed with code 2", Duration: time.Second}
		},
	}
	store := &recordingStore{}
	s := newTestStation(t, Config{Engine: engine, Store: store})

	res, err := s.FlashDevice(context.Background(), "/dev/ttyUSB0", "")
	if err != nil {
		t.Fatalf("flash device: %v", err)
	}
	if res.Success {
		t.Fatal("expected failed result")
	}
	recs := store.records()
	if len(recs) != 1 || recs[0].Status != history.StatusFailed {
		t.Fatalf("records = %+v, want one failed", recs)
	}
	if recs[0].ErrorMsg != "esptool failed with code 2" {
		t.Fatalf("record error = %q", recs[0].ErrorMsg)
	}
}

func TestFlashDeviceUsesFirmwareOverride(t *testing.T) {
	var mu sync.Mutex
	var flashed []string
	engine := &stubEngine{
		handle: func(_ context.Context, port, firmware string, _ flasher.FlashOpts) flasher.Result {
			mu.Lock()
			flashed = append(flashed, firmware)
			mu.Unlock()
			return flasher.Result{Success: true, Port: port}
		},
	}
	store := &recordingStore{}
	s := newTestStation(t, Config{Engine: engine, FirmwarePath: "firmware/app.bin", Store: store})

	if _, err := s.FlashDevice(context.Background(), "/dev/ttyUSB0", ""); err != nil {
		t.Fatalf("default flash: %v", err)
	}
	if _, err := s.FlashDevice(context.Background(), "/dev/ttyUSB0", "firmware/bootloader.bin"); err != nil {
		t.Fatalf("override flash: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), flashed...)
	mu.Unlock()
	want := []string{"firmware/app.bin", "firmware/bootloader.bin"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("engine saw firmware %v, want %v", got, want)
	}
	recs := store.records()
	if len(recs) != 2 || recs[0].Firmware != want[0] || recs[1].Firmware != want[1] {
		t.Fatalf("recorded firmware = %+v, want %v", recs, want)
	}
}

func TestFlashProgressIsMonotonic(t *testing.T) {
	engine := &stubEngine{
		handle: func(_ context.Context, port, _ string, opts flasher.FlashOpts) flasher.Result {
			for _, pct := range []int{10, 60, 40, 60, 85} {
				opts.OnProgress(pct)
			}
			return flasher.Result{Success: true, Port: port}
		},
	}
	events := newChanEvents()
	s := newTestStation(t, Config{Engine: engine, Events: events})

	if _, err := s.FlashDevice(context.Background(), "/dev/ttyUSB0", ""); err != nil {
		t.Fatalf("flash device: %v", err)
	}
	<-events.finished

	var got []int
	for len(events.progress) > 0 {
		got = append(got, <-events.progress)
	}
	want := []int{10, 60, 85}
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress = %v, want %v", got, want)
		}
	}
}

func TestFlashDeviceRejectsBusyPort(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	engine := &stubEngine{
		handle: func(_ context.Context, port, _ string, _ flasher.FlashOpts) flasher.Result {
			close(started)
			<-release
			return flasher.Result{Success: true, Port: port}
		},
	}
	s := newTestStation(t, Config{Engine: engine})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		if _, err := s.FlashDevice(context.Background(), "/dev/ttyUSB0", ""); err != nil {
			t.Errorf("first flash: %v", err)
		}
	}()
	<-started

	if active := s.Active(); len(active) != 1 || active[0] != "/dev/ttyUSB0" {
		t.Fatalf("active = %v, want [/dev/ttyUSB0]", active)
	}
	_, err := s.FlashDevice(context.Background(), "/dev/ttyUSB0", "")
	if !errors.Is(err, ErrPortBusy) {
		t.Fatalf("err = %v, want ErrPortBusy", err)
	}

	close(release)
	<-firstDone
	if n := engine.callCount(); n != 1 {
		t.Fatalf("engine calls = %d, want 1", n)
	}
	if active := s.Active(); len(active) != 0 {
		t.Fatalf("active after completion = %v, want empty", active)
	}
}

func TestFlashDeviceTimesOutWaitingForSlot(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	engine := &stubEngine{
		handle: func(_ context.Context, port, _ string, _ flasher.FlashOpts) flasher.Result {
			<-release
			return flasher.Result{Success: true, Port: port}
		},
	}
	store := &recordingStore{}
	s := newTestStation(t, Config{
		Engine:       engine,
		Store:        store,
		MaxWorkers:   1,
		FlashTimeout: 50 * time.Millisecond,
	})

	go s.FlashDevice(context.Background(), "/dev/ttyUSB0", "")
	for s.sem.TryAcquire(1) {
		s.sem.Release(1)
		time.Sleep(time.Millisecond)
	}

	res, err := s.FlashDevice(context.Background(), "/dev/ttyUSB1", "")
	if err != nil {
		t.Fatalf("queued flash: %v", err)
	}
	if res.Success || res.ErrorMsg != "Flash operation timed out" {
		t.Fatalf("queued result = %+v, want timeout failure", res)
	}
	found := false
	for _, rec := range store.records() {
		if rec.Port == "/dev/ttyUSB1" && rec.Status == history.StatusFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("queued timeout was not recorded")
	}
}

func TestStopAllCancelsInflight(t *testing.T) {
	started := make(chan struct{})
	engine := &stubEngine{
		handle: func(ctx context.Context, port, _ string, _ flasher.FlashOpts) flasher.Result {
			close(started)
			<-ctx.Done()
			return flasher.Result{Port: port, ErrorMsg: "Flash cancelled"}
		},
	}
	events := newChanEvents()
	s := newTestStation(t, Config{Engine: engine, Events: events})

	go s.FlashDevice(context.Background(), "/dev/ttyUSB0", "")
	<-started

	if n := s.StopAll(); n != 1 {
		t.Fatalf("stopped = %d, want 1", n)
	}
	select {
	case fin := <-events.finished:
		if fin.ErrorMsg != "Flash cancelled" {
			t.Fatalf("finished event = %+v, want cancelled", fin)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attempt did not finish after StopAll")
	}
}

func TestFlashAllFlashesEveryScannedDevice(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ttyUSB0", "ttyUSB1", "ttyUSB2"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("touch %s: %v", name, err)
		}
	}
	engine := &stubEngine{}
	s := newTestStation(t, Config{
		Engine:         engine,
		DevicePatterns: []string{filepath.Join(dir, "ttyUSB*")},
	})

	results := s.FlashAll(context.Background(), "")
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for _, name := range []string{"ttyUSB0", "ttyUSB1", "ttyUSB2"} {
		port := filepath.Join(dir, name)
		res, ok := results[port]
		if !ok {
			t.Fatalf("no result for %s", port)
		}
		if !res.Success {
			t.Fatalf("result for %s = %+v, want success", port, res)
		}
	}
	if n := engine.callCount(); n != 3 {
		t.Fatalf("engine calls = %d, want 3", n)
	}
}

func TestFlashAllWithNoDevices(t *testing.T) {
	engine := &stubEngine{}
	s := newTestStation(t, Config{Engine: engine})

	results := s.FlashAll(context.Background(), "")
	if len(results) != 0 {
		t.Fatalf("results = %v, want empty", results)
	}
	if n := engine.callCount(); n != 0 {
		t.Fatalf("engine calls = %d, want 0", n)
	}
}

func TestFlashAllRespectsWorkerBound(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		name := filepath.Join(dir, fmt.Sprintf("ttyUSB%d", i))
		if err := os.WriteFile(name, nil, 0o644); err != nil {
			t.Fatalf("touch %s: %v", name, err)
		}
	}

	var mu sync.Mutex
	running, peak := 0, 0
	engine := &stubEngine{
		handle: func(_ context.Context, port, _ string, _ flasher.FlashOpts) flasher.Result {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return flasher.Result{Success: true, Port: port}
		},
	}
	s := newTestStation(t, Config{
		Engine:         engine,
		MaxWorkers:     2,
		DevicePatterns: []string{filepath.Join(dir, "ttyUSB*")},
	})

	results := s.FlashAll(context.Background(), "")
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want at most 2", peak)
	}
}

func TestFlashAllIsolatesTimedOutPort(t *testing.T) {
	dir := t.TempDir()
	ports := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, fmt.Sprintf("ttyUSB%d", i))
		if err := os.WriteFile(name, nil, 0o644); err != nil {
			t.Fatalf("touch %s: %v", name, err)
		}
		ports = append(ports, name)
	}
	stuck := ports[2]
	engine := &stubEngine{
		handle: func(ctx context.Context, port, _ string, _ flasher.FlashOpts) flasher.Result {
			if port == stuck {
				<-ctx.Done()
				return flasher.Result{Port: port, ErrorMsg: "Flash operation timed out"}
			}
			return flasher.Result{Success: true, Port: port}
		},
	}
	s := newTestStation(t, Config{
		Engine:         engine,
		FlashTimeout:   60 * time.Millisecond,
		DevicePatterns: []string{filepath.Join(dir, "ttyUSB*")},
	})

	results := s.FlashAll(context.Background(), "")
	if len(results) != 5 {
		t.Fatalf("results = %d, want 5", len(results))
	}
	for _, port := range ports {
		res := results[port]
		if port == stuck {
			if res.Success || res.ErrorMsg != "Flash operation timed out" {
				t.Fatalf("stuck port result = %+v, want timeout failure", res)
			}
			continue
		}
		if !res.Success {
			t.Fatalf("result for %s = %+v, want success", port, res)
		}
	}
}

func TestFlashDeviceConvertsPanicToFailure(t *testing.T) {
	engine := &stubEngine{
		handle: func(_ context.Context, _, _ string, _ flasher.FlashOpts) flasher.Result {
			panic("event sink exploded")
		},
	}
	store := &recordingStore{}
	s := newTestStation(t, Config{Engine: engine, Store: store})

	res, err := s.FlashDevice(context.Background(), "/dev/ttyUSB0", "")
	if err != nil {
		t.Fatalf("flash device: %v", err)
	}
	if res.Success {
		t.Fatalf("result = %+v, want failure", res)
	}
	if !strings.Contains(res.ErrorMsg, "panic") {
		t.Fatalf("error = %q, want panic conversion", res.ErrorMsg)
	}
	recs := store.records()
	if len(recs) != 1 || recs[0].Status != history.StatusFailed {
		t.Fatalf("records = %+v, want one failed", recs)
	}
	if active := s.Active(); len(active) != 0 {
		t.Fatalf("active after panic = %v, want empty", active)
	}
}

func TestFinishSurvivesStoreAndPublishErrors(t *testing.T) {
	store := &recordingStore{err: errors.New("disk full")}
	pub := &recordingPublisher{err: errors.New("broker down")}
	s := newTestStation(t, Config{Store: store, Publisher: pub})

	res, err := s.FlashDevice(context.Background(), "/dev/ttyUSB0", "")
	if err != nil {
		t.Fatalf("flash device: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success despite reporting failures", res)
	}
}
