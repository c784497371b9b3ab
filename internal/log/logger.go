// Package log provides a global logger with a configurable logging level. The daemon embedding
// this library is expected to route these messages into its own logging facility.

package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally during normal use.
	LevelInfo                 // Logs connection lifecycle events.
	LevelDebug                // Logs individual state-machine events.
)

var (
	logMutex       sync.Mutex
	globalLogLevel Level
	output         io.Writer = os.Stderr
)

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetOutput redirects log messages to w. Used by tests to capture output.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	output = w
}

func log(level Level, format string, a ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if level > globalLogLevel {
		return
	}
	msg := fmt.Sprintf("%s %s ", time.Now().Format(time.RFC3339), labels[level])
	msg += fmt.Sprintf(format, a...)
	fmt.Fprintln(output, msg)
}

func Debug(format string, a ...interface{}) {
	log(LevelDebug, format, a...)
}
func Info(format string, a ...interface{}) {
	log(LevelInfo, format, a...)
}
func Warning(format string, a ...interface{}) {
	log(LevelWarning, format, a...)
}
func Error(format string, a ...interface{}) {
	log(LevelError, format, a...)
}
