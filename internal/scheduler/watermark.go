package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stomaflow/bridge/internal/model"
)

// WatermarkStore persists the incremental-read cursor as a single ISO-8601
// line. A missing file means a fresh install; an unreadable one means the
// state directory is damaged and the process must not guess a cursor.
type WatermarkStore struct {
	path string
}

// NewWatermarkStore points at the watermark file.
func NewWatermarkStore(path string) *WatermarkStore {
	return &WatermarkStore{path: path}
}

// Load reads the cursor, returning |initial| when no watermark exists yet.
func (w *WatermarkStore) Load(initial time.Time) (time.Time, error) {
	raw, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return initial, nil
	} else if err != nil {
		return time.Time{}, model.E(model.KindStorageCorrupt, "watermark.load", err)
	}

	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, model.E(model.KindStorageCorrupt, "watermark.load",
			fmt.Errorf("%s does not hold a timestamp: %w", w.path, err))
	}
	return t, nil
}

// Store writes the cursor atomically via a temp file and rename.
func (w *WatermarkStore) Store(t time.Time) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.path), filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp watermark: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.WriteString(t.Format(time.RFC3339Nano) + "\n"); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write temp watermark: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("replace watermark: %w", err)
	}
	return nil
}
