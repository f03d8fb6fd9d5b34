package utils

import (
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// InfoLogger writes informational messages.
	InfoLogger *log.Logger
	// WarnLogger writes warnings.
	WarnLogger *log.Logger
	// ErrorLogger writes errors.
	ErrorLogger *log.Logger
	// DebugLogger writes request-level detail when debug is enabled.
	DebugLogger *log.Logger

	debugEnabled atomic.Bool
)

func init() {
	SetOutput(os.Stdout, os.Stderr)
}

// SetOutput points the loggers at the given writers: info, warn and debug
// go to out, errors to errOut.
func SetOutput(out, errOut io.Writer) {
	flags := log.Ldate | log.Ltime
	InfoLogger = log.New(out, "INFO: ", flags)
	WarnLogger = log.New(out, "WARN: ", flags)
	ErrorLogger = log.New(errOut, "ERROR: ", flags)
	DebugLogger = log.New(out, "DEBUG: ", flags)
}

// SetLogFile mirrors every log line into a size-rotated file.
func SetLogFile(path string) io.Closer {
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    1, // megabytes
		MaxBackups: 3,
	}
	SetOutput(io.MultiWriter(os.Stdout, file), io.MultiWriter(os.Stderr, file))
	return file
}

// SetDebug toggles debug logging.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// LogInfo logs an informational message.
func LogInfo(format string, v ...interface{}) {
	InfoLogger.Printf(format, v...)
}

// LogWarn logs a warning.
func LogWarn(format string, v ...interface{}) {
	WarnLogger.Printf(format, v...)
}

// LogError logs an error.
func LogError(format string, v ...interface{}) {
	ErrorLogger.Printf(format, v...)
}

// LogDebug logs only when debug is enabled.
func LogDebug(format string, v ...interface{}) {
	if debugEnabled.Load() {
		DebugLogger.Printf(format, v...)
	}
}

// TrackTime logs how long the named phase took. Use with defer.
func TrackTime(start time.Time, name string) {
	elapsed := time.Since(start)
	LogInfo("%s finished in %s", name, elapsed)
}
