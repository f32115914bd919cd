// Package flasher drives esptool against ESP32 family devices: chip
// identification, firmware writes with streamed progress, and full chip
// erase. Flash failures are reported as classified results, not errors, so
// one bad device never aborts a batch.
package flasher

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultChip     = "esp32"
	DefaultBaudRate = 921600
	DefaultBinary   = "esptool.py"
	DefaultOffset   = "0x1000"

	defaultIdentifyTimeout = 10 * time.Second
	defaultEraseTimeout    = 30 * time.Second
)

var (
	chipPattern     = regexp.MustCompile(`Chip is (ESP[^\s]+)`)
	macPattern      = regexp.MustCompile(`(?i)MAC: ([0-9a-f:]+)`)
	progressPattern = regexp.MustCompile(`\((\d+)\s*%\)`)
)

// ChipInfo is what chip_id reveals about an attached device.
type ChipInfo struct {
	ChipType string
	MAC      string
}

// Result describes one flash attempt. Success is decided solely by the tool
// exit status; every failure mode carries a human-readable ErrorMsg.
type Result struct {
	Success  bool
	Port     string
	ChipType string
	MAC      string
	Duration time.Duration
	ErrorMsg string
	Output   []string
}

// ProgressFunc receives write progress as a percentage, clamped to 0-100.
type ProgressFunc func(percent int)

// ChipInfoFunc receives the chip type and MAC resolved before the write
// starts.
type ChipInfoFunc func(chip, mac string)

// FlashOpts are per-attempt knobs for Flash.
type FlashOpts struct {
	// Offset is the hex flash offset, default "0x1000".
	Offset     string
	OnProgress ProgressFunc
	OnChipInfo ChipInfoFunc
}

// Config configures a Flasher. Zero values fall back to defaults, except
// Verify which is honored as given.
type Config struct {
	Chip            string
	BaudRate        int
	Verify          bool
	Binary          string
	IdentifyTimeout time.Duration
	EraseTimeout    time.Duration
}

// Flasher wraps the esptool binary. Safe for concurrent use across distinct
// ports; the serial protocol itself forbids two operations on one port.
type Flasher struct {
	chip            string
	baud            int
	verify          bool
	identifyTimeout time.Duration
	eraseTimeout    time.Duration
	runner          toolRunner
}

func New(cfg Config) *Flasher {
	if cfg.Chip == "" {
		cfg.Chip = DefaultChip
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.IdentifyTimeout <= 0 {
		cfg.IdentifyTimeout = defaultIdentifyTimeout
	}
	if cfg.EraseTimeout <= 0 {
		cfg.EraseTimeout = defaultEraseTimeout
	}
	return &Flasher{
		chip:            cfg.Chip,
		baud:            cfg.BaudRate,
		verify:          cfg.Verify,
		identifyTimeout: cfg.IdentifyTimeout,
		eraseTimeout:    cfg.EraseTimeout,
		runner:          &execRunner{binary: cfg.Binary},
	}
}

// Identify runs chip_id against the port and parses the chip type and MAC
// from the tool output. The tool exit status is ignored; the parsed fields
// are returned even when an error is reported.
func (f *Flasher) Identify(ctx context.Context, port string) (ChipInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, f.identifyTimeout)
	defer cancel()

	var info ChipInfo
	args := []string{"--port", port, "--baud", strconv.Itoa(f.baud), "chip_id"}
	_, err := f.runner.Run(ctx, args, func(line string) {
		if m := chipPattern.FindStringSubmatch(line); m != nil {
			info.ChipType = m[1]
		}
		if m := macPattern.FindStringSubmatch(line); m != nil {
			info.MAC = m[1]
		}
	})
	if err != nil {
		return info, errors.Wrapf(err, "flasher: identify %s failed", port)
	}
	if info.ChipType == "" && info.MAC == "" {
		return info, errors.Errorf("flasher: no chip signature on %s", port)
	}
	return info, nil
}

// Flash writes the firmware image to the device on port. It never returns a
// Go error: a missing firmware file, a spawn failure, a timeout, and a
// nonzero tool exit all come back as a failed Result with ErrorMsg set.
func (f *Flasher) Flash(ctx context.Context, port, firmwarePath string, opts FlashOpts) Result {
	start := time.Now()
	res := Result{Port: port}

	if _, err := os.Stat(firmwarePath); err != nil {
		res.ErrorMsg = "Firmware file not found: " + firmwarePath
		log.Error().Str("port", port).Str("firmware", firmwarePath).Msg("flasher: firmware missing")
		return res
	}

	info, err := f.Identify(ctx, port)
	if err != nil {
		log.Debug().Err(err).Str("port", port).Msg("flasher: identify failed, flashing anyway")
	}
	res.ChipType = info.ChipType
	res.MAC = info.MAC
	if opts.OnChipInfo != nil && (info.ChipType != "" || info.MAC != "") {
		opts.OnChipInfo(info.ChipType, info.MAC)
	}

	offset := opts.Offset
	if offset == "" {
		offset = DefaultOffset
	}
	normalized, err := normalizeOffset(offset)
	if err != nil {
		res.ErrorMsg = "Flash error: " + err.Error()
		res.Duration = time.Since(start)
		return res
	}

	args := []string{"--chip", f.chip, "--port", port, "--baud", strconv.Itoa(f.baud), "write_flash"}
	if f.verify {
		args = append(args, "--verify")
	}
	args = append(args, "-z", normalized, firmwarePath)

	log.Info().Str("port", port).Str("firmware", firmwarePath).Str("offset", normalized).Msg("flasher: writing firmware")
	code, err := f.runner.Run(ctx, args, func(line string) {
		res.Output = append(res.Output, line)
		if opts.OnProgress != nil {
			if pct, ok := parseProgress(line); ok {
				opts.OnProgress(pct)
			}
		}
	})
	res.Duration = time.Since(start)

	switch {
	case err == nil && code == 0:
		res.Success = true
		log.Info().Str("port", port).Dur("duration", res.Duration).Msg("flasher: flash succeeded")
	case errors.Is(err, context.DeadlineExceeded):
		res.ErrorMsg = "Flash operation timed out"
		log.Error().Str("port", port).Dur("duration", res.Duration).Msg("flasher: flash timed out")
	case errors.Is(err, context.Canceled):
		res.ErrorMsg = "Flash cancelled"
		log.Warn().Str("port", port).Msg("flasher: flash cancelled")
	case err != nil:
		res.ErrorMsg = "Flash error: " + err.Error()
		log.Error().Err(err).Str("port", port).Msg("flasher: flash failed")
	default:
		res.ErrorMsg = fmt.Sprintf("esptool failed with code %d", code)
		log.Error().Str("port", port).Int("code", code).Msg("flasher: tool exited nonzero")
	}
	return res
}

// EraseFlash wipes the entire flash on the device. Reports success only for
// a clean zero exit within the erase timeout.
func (f *Flasher) EraseFlash(ctx context.Context, port string) bool {
	ctx, cancel := context.WithTimeout(ctx, f.eraseTimeout)
	defer cancel()

	args := []string{"--chip", f.chip, "--port", port, "--baud", strconv.Itoa(f.baud), "erase_flash"}
	code, err := f.runner.Run(ctx, args, nil)
	if err != nil || code != 0 {
		log.Warn().Err(err).Int("code", code).Str("port", port).Msg("flasher: erase failed")
		return false
	}
	log.Info().Str("port", port).Msg("flasher: flash erased")
	return true
}

// VerifyPort reports whether the port carries a responsive ESP device: the
// node must open as a serial handle and chip_id must resolve a chip type.
func (f *Flasher) VerifyPort(ctx context.Context, port string) bool {
	if err := probeSerial(port); err != nil {
		log.Debug().Err(err).Str("port", port).Msg("flasher: serial probe failed")
		return false
	}
	info, err := f.Identify(ctx, port)
	if err != nil {
		log.Debug().Err(err).Str("port", port).Msg("flasher: identify failed")
		return false
	}
	return info.ChipType != ""
}

func parseProgress(line string) (int, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

func normalizeOffset(offset string) (string, error) {
	cleaned := strings.TrimSpace(offset)
	value, err := strconv.ParseUint(strings.TrimPrefix(cleaned, "0x"), 16, 32)
	if err != nil {
		return "", errors.Wrapf(err, "flasher: parse offset %q failed", offset)
	}
	return fmt.Sprintf("%#x", value), nil
}
