package flashstation

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"github.com/playztag/parallel-flash-esp32/pkg/flasher"
)

// runAttempt drives the engine for one attempt and converts a panic into a
// failed result, so one broken event callback cannot take down the other
// in-flight attempts or a long-running monitor process.
//
// The panic report goes straight to stderr: the panic may have come from the
// logger itself.
func (s *Station) runAttempt(ctx context.Context, port, firmware string) (res flasher.Result) {
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(os.Stderr, "WARN: flash attempt on %s panicked: %v\n%s\n", port, r, debug.Stack())
			res = flasher.Result{
				Port:     port,
				ErrorMsg: fmt.Sprintf("Flash error: panic: %v", r),
			}
		}
	}()
	// Attempt progress is monotonic even if the tool restarts its counter
	// for a second write region.
	lastPct := -1
	return s.engine.Flash(ctx, port, firmware, flasher.FlashOpts{
		Offset: s.cfg.FlashOffset,
		OnProgress: func(pct int) {
			if pct <= lastPct {
				return
			}
			lastPct = pct
			log.Debug().Str("port", port).Int("percent", pct).Msg("station: flash progress")
			s.events.FlashProgress(port, pct)
		},
		OnChipInfo: func(chip, mac string) {
			s.events.ChipDetected(port, chip, mac)
		},
	})
}
