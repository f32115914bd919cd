package flashstation

import "github.com/playztag/parallel-flash-esp32/pkg/flasher"

// EventSink receives flash lifecycle events. Callbacks run on worker
// goroutines and must return quickly.
type EventSink interface {
	// FlashProgress reports write progress for port in percent, 0 to 100.
	FlashProgress(port string, percent int)
	// ChipDetected reports the chip identification read before writing.
	ChipDetected(port, chip, mac string)
	// FlashFinished reports the outcome of one attempt.
	FlashFinished(port string, result flasher.Result)
}

// noopEvents is the default sink when the caller does not care.
type noopEvents struct{}

func (noopEvents) FlashProgress(string, int)            {}
func (noopEvents) ChipDetected(string, string, string)  {}
func (noopEvents) FlashFinished(string, flasher.Result) {}
