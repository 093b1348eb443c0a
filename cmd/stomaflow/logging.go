package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stomaflow/bridge/internal/config"
)

// initLog configures logrus from the logging options. Returns a cleanup for
// the log file, if one was opened.
func initLog(cfg config.Logging) (func(), error) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		return nil, fmt.Errorf("unrecognized log level %q: %w", cfg.Level, err)
	} else {
		log.SetLevel(lvl)
	}

	if cfg.MaskPersonalData {
		log.AddHook(maskHook{})
	}

	var cleanup = func() {}
	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		var path = filepath.Join(cfg.Directory,
			"stomaflow-"+time.Now().Format("2006-01-02")+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(f)
		cleanup = func() { f.Close() }

		if err := pruneLogs(cfg.Directory, cfg.RotationDays); err != nil {
			log.WithField("err", err).Warn("old log files not pruned")
		}
	}
	return cleanup, nil
}

// pruneLogs removes log files older than the retention window.
func pruneLogs(dir string, keepDays int) error {
	if keepDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var cutoff = time.Now().AddDate(0, 0, -keepDays)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "stomaflow-") || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// maskHook blanks personal data out of log fields so patient phones and
// names never land in log files.
type maskHook struct{}

var maskedFields = map[string]bool{
	"phone":   true,
	"patient": true,
	"name":    true,
}

func (maskHook) Levels() []log.Level { return log.AllLevels }

func (maskHook) Fire(entry *log.Entry) error {
	for field, value := range entry.Data {
		if !maskedFields[field] {
			continue
		}
		if s, ok := value.(string); ok && s != "" {
			entry.Data[field] = maskString(s)
		}
	}
	return nil
}

// maskString keeps just enough of the value to correlate log lines.
func maskString(s string) string {
	var r = []rune(s)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}
