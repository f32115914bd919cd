package flashstation

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/playztag/parallel-flash-esp32/pkg/flasher"
)

// writeSessionLog stores the captured tool output for one attempt and
// returns the file path, or "" when session logs are disabled or the write
// fails. The port's path separators become underscores so the file name
// stays flat: /dev/ttyUSB0 at 12:30:05 becomes _dev_ttyUSB0_20260102_123005.log.
func (s *Station) writeSessionLog(port string, startedAt time.Time, res flasher.Result) string {
	if s.cfg.LogDir == "" {
		return ""
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", s.cfg.LogDir).Msg("station: create session log dir failed")
		return ""
	}
	name := strings.ReplaceAll(port, "/", "_") + "_" + startedAt.Format("20060102_150405") + ".log"
	path := filepath.Join(s.cfg.LogDir, name)

	var b strings.Builder
	for _, line := range res.Output {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if res.ErrorMsg != "" {
		b.WriteString(res.ErrorMsg)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("station: write session log failed")
		return ""
	}
	return path
}
