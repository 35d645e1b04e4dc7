package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/TheGojiOG/pvebackup/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	current  atomic.Pointer[slog.Logger]
	discard  = slog.New(slog.NewJSONHandler(io.Discard, nil))
	initOnce sync.Once
	rotator  *lumberjack.Logger
)

// Init installs the process logger: JSON (or text) to stdout, mirrored into a
// rotated file when cfg.File is set. Later calls return the first logger.
func Init(cfg config.LoggingConfig) (*slog.Logger, error) {
	initOnce.Do(func() {
		var out io.Writer = os.Stdout
		if path := strings.TrimSpace(cfg.File); path != "" {
			rotator = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			}
			out = io.MultiWriter(os.Stdout, rotator)
		}

		l := slog.New(newHandler(out, cfg))
		current.Store(l)
		slog.SetDefault(l)

		// Libraries that use the standard logger land in the same stream
		log.SetFlags(0)
		log.SetOutput(stdlogBridge{l})
	})
	return L(), nil
}

// L returns the process logger. Before Init it discards everything.
func L() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return discard
}

// Component tags records with the subsystem that emitted them.
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

// ForJob tags records with one backup job so a run can be followed end to end.
func ForJob(jobID, trigger string) *slog.Logger {
	return Component("engine").With("job_id", jobID, "trigger", trigger)
}

// Close flushes the rotated log file, if any.
func Close() error {
	if rotator == nil {
		return nil
	}
	return rotator.Close()
}

type stdlogBridge struct{ l *slog.Logger }

func (b stdlogBridge) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		b.l.Info(msg, "source", "stdlog")
	}
	return len(p), nil
}

func newHandler(w io.Writer, cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}
