package flasher

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/pkg/errors"
)

// toolRunner executes the flashing tool and streams its merged
// stdout/stderr line by line. The int return is the tool exit code; err is
// reserved for spawn failures and context expiry.
type toolRunner interface {
	Run(ctx context.Context, args []string, onLine func(string)) (int, error)
}

type execRunner struct {
	binary string
}

func (r *execRunner) Run(ctx context.Context, args []string, onLine func(string)) (int, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	pr, pw, err := os.Pipe()
	if err != nil {
		return -1, errors.Wrap(err, "flasher: create output pipe failed")
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return -1, errors.Wrapf(err, "flasher: start %s failed", r.binary)
	}
	pw.Close() // the child holds the write end now

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanToolLines)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	pr.Close()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, errors.Wrapf(err, "flasher: wait %s failed", r.binary)
	}
	return 0, nil
}

// scanToolLines ends tokens on either LF or CR. esptool reports write
// progress with bare carriage returns, which bufio.ScanLines would hold
// back until the write finishes.
func scanToolLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		adv := i + 1
		if data[i] == '\r' && adv < len(data) && data[adv] == '\n' {
			adv++
		}
		return adv, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
