package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

var (
	appLogger *log.Logger
	logFile   *os.File
)

// InitLogger initializes the logger to write to a dated file inside the
// given directory. Logging functions are safe to call before this runs;
// they simply drop their output.
func InitLogger(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(dir, fmt.Sprintf("ollama-chat-%s.log", time.Now().Format("2006-01-02")))

	var err error
	logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	appLogger = log.New(logFile, "", log.LstdFlags|log.Lmicroseconds)
	appLogger.Printf("=== Ollama Chat Log Started ===")

	return nil
}

// Debug logs a debug message
func Debug(format string, v ...interface{}) {
	if appLogger != nil {
		appLogger.Printf("[DEBUG] "+format, v...)
	}
}

// Info logs an info message
func Info(format string, v ...interface{}) {
	if appLogger != nil {
		appLogger.Printf("[INFO] "+format, v...)
	}
}

// Warn logs a warning, used for precondition violations that degrade to
// no-ops.
func Warn(format string, v ...interface{}) {
	if appLogger != nil {
		appLogger.Printf("[WARN] "+format, v...)
	}
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	if appLogger != nil {
		appLogger.Printf("[ERROR] "+format, v...)
	}
}

// Close closes the log file
func Close() {
	if logFile != nil {
		appLogger.Printf("=== Ollama Chat Log Ended ===")
		logFile.Close()
	}
}
