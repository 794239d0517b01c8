package milter

import (
	"fmt"
	"log/slog"
)

func logWarning(format string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(format, v...), slog.String("component", "milter"))
}

// LogWarning is called by this library when it wants to output a warning.
// Warnings can happen even when the library user did everything right (because the MTA did something wrong)
//
// The default implementation uses [slog.Warn] to output the warning.
// You can re-assign LogWarning to something more suitable for your application. But do not assign nil to it.
var LogWarning = logWarning
