// Package zlog wires up the engine's ambient structured-logging stack:
// colorized, human-friendly output when attached to a terminal, and
// plain JSON otherwise (mattn/go-isatty + mattn/go-colorable for the
// terminal detection, lmittmann/tint for the colorized slog handler).
package zlog

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Options configures New.
type Options struct {
	// Level is the minimum level logged. Defaults to slog.LevelInfo.
	Level slog.Level
	// Writer overrides the destination; defaults to os.Stderr.
	Writer io.Writer
	// Force disables TTY autodetection and always uses the given mode.
	ForcePlain bool
	ForceColor bool
}

// New builds the process-wide logger. Cluster and agent loggers derive
// from it via slog.Logger.With, attaching cluster_id/agent_id context —
// see orchestrator.clusterLogger and agent.Runtime's own With() calls.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	useColor := opts.ForceColor
	if !opts.ForcePlain && !opts.ForceColor {
		if f, ok := w.(*os.File); ok {
			useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	if opts.ForcePlain {
		useColor = false
	}

	if useColor {
		cw := colorable.NewColorable(w.(*os.File))
		return slog.New(tint.NewHandler(cw, &tint.Options{Level: opts.Level}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level}))
}

// Default returns a logger suitable for package-level fallback use
// before an explicit logger has been threaded through — callers should
// prefer passing a *slog.Logger explicitly; this exists for the rare
// leaf helper that has no logger parameter of its own.
func Default() *slog.Logger {
	return New(Options{Level: slog.LevelInfo})
}
