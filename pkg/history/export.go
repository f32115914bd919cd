package history

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var csvHeader = []string{
	"id", "timestamp", "port", "mac", "chip_type",
	"status", "duration", "firmware", "log_path", "error_msg",
}

// ExportCSV writes the matching records newest-first to path, returning how
// many were written. When nothing matches, no file is created.
func (s *Store) ExportCSV(ctx context.Context, path string, since time.Time) (int, error) {
	records, err := s.records(ctx, since)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		log.Info().Str("path", path).Msg("history: nothing to export")
		return 0, nil
	}

	if err := ensureDir(filepath.Dir(path)); err != nil {
		return 0, err
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "history: create %s failed", path)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return 0, pkgerrors.Wrap(err, "history: write csv header failed")
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.ID, 10),
			rec.Timestamp.UTC().Format(timestampLayout),
			rec.Port,
			rec.MAC,
			rec.ChipType,
			rec.Status,
			strconv.FormatFloat(rec.Duration.Seconds(), 'f', -1, 64),
			rec.Firmware,
			rec.LogPath,
			rec.ErrorMsg,
		}
		if err := w.Write(row); err != nil {
			return 0, pkgerrors.Wrap(err, "history: write csv row failed")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, pkgerrors.Wrap(err, "history: flush csv failed")
	}
	log.Info().Str("path", path).Int("count", len(records)).Msg("history: exported csv")
	return len(records), nil
}
