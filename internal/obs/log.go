// Package obs carries the ambient logging and invariant-checking helpers used
// throughout the rest of the module. It mirrors the debug-gated printf idiom
// the rest of this codebase's ancestry uses: verbose tracing is compiled in
// but silent unless explicitly switched on.
package obs

import (
	"fmt"
	"log"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ShowDebugInfo gates Debugf output.
	ShowDebugInfo = false
	// ShowTraceInfo gates Tracef output, one level noisier than Debugf.
	ShowTraceInfo = false
	// ShowWarnings gates Warn output.
	ShowWarnings = true
	// LogToFile routes output through the standard log package instead of
	// stdout; useful once a process is daemonized behind a log file.
	LogToFile = false
)

func printf(format string, a ...interface{}) {
	line := time.Now().Format("15:04:05.000") + " <---> " + format + "\n"
	if LogToFile {
		log.Printf(line, a...)
	} else {
		fmt.Printf(line, a...)
	}
}

// Debugf logs a formatted message when ShowDebugInfo is enabled.
func Debugf(format string, a ...interface{}) {
	if ShowDebugInfo {
		printf(format, a...)
	}
}

// Tracef logs a formatted message when ShowTraceInfo is enabled. Reserved for
// per-object engine tracing that is too noisy for Debugf.
func Tracef(format string, a ...interface{}) {
	if ShowTraceInfo {
		printf(format, a...)
	}
}

// Warn logs msg when cond is false and ShowWarnings is enabled, returning
// cond unchanged so callers can inline it in a guard.
func Warn(cond bool, msg string) bool {
	if !cond && ShowWarnings {
		printf("[WARN] %s", msg)
	}
	return cond
}

// Assert panics with msg when cond is false. Reserved for invariants that
// indicate a bug in this process rather than a condition a caller can recover
// from.
func Assert(cond bool, msg string) {
	if !cond {
		panic("[ASSERT] " + msg)
	}
}

// JSON renders v as a compact JSON string for structured log lines, using
// goccy/go-json rather than encoding/json for consistency with the rest of
// the module's wire encoding.
func JSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unmarshalable: %v>", err)
	}
	return string(b)
}
