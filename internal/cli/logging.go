package cli

import (
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/constants"
)

// textHandler is the handler of the default logger before any call to SetSlog.
var textHandler = slog.Default().Handler()

// Level maps a verbose flag count to a logging level: the default level, then info (-v), then debug (-vv and more).
func Level(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return constants.DefaultLogLevel
	case verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// SetSlog sets the level and format of the default logger.
// JSON records are written to w and carry the command name. Text records keep going through the standard logger.
func SetSlog(w io.Writer, verbosity int, jsonLogs bool) {
	level := Level(verbosity)
	if jsonLogs {
		h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
		slog.SetDefault(slog.New(h).With("cmd", constants.CmdName))
		return
	}

	// A JSON default logger redirected the standard logger to itself.
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags)
	slog.SetDefault(slog.New(textHandler))
	slog.SetLogLoggerLevel(level)
}
