package chip

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sunshineplan/imgconv"
)

// Writer encodes chips as JPEG files in a single output directory.
type Writer struct {
	dir     string
	quality int
	logger  *slog.Logger
}

func NewWriter(dir string, quality int, logger *slog.Logger) *Writer {
	return &Writer{
		dir:     dir,
		quality: quality,
		logger:  logger.With("component", "writer"),
	}
}

// Filename derives the output name from the point id and the scene's
// acquisition date. Reruns with the same inputs produce the same name and
// overwrite the previous file.
func Filename(pointID string, acquired time.Time) string {
	stem := fmt.Sprintf("%s_S2_L2A_%s", pointID, acquired.UTC().Format("20060102"))
	return strings.ToUpper(stem) + ".jpg"
}

// Write encodes the chip into the output directory, creating it if needed.
// The file appears atomically: encoding goes to a temp file in the same
// directory which is renamed into place.
func (w *Writer) Write(c *Chip) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir %s: %w", w.dir, err)
	}

	name := Filename(c.PointID, c.Acquired)
	path := filepath.Join(w.dir, name)
	tmp := filepath.Join(w.dir, fmt.Sprintf(".%s.%s.tmp", name, uuid.NewString()))

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", tmp, err)
	}

	opt := &imgconv.FormatOption{
		Format:       imgconv.JPEG,
		EncodeOption: []imgconv.EncodeOption{imgconv.Quality(w.quality)},
	}
	if err := imgconv.Write(f, c.Image, opt); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("closing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("moving chip into place: %w", err)
	}

	w.logger.Debug("wrote chip", "path", path, "scene_id", c.SceneID)
	return path, nil
}
