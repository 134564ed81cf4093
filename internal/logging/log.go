// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Console is the log path that keeps logging on stderr.
const Console = "console"

// InitLog parses and sets the log level and directs output to logPath.
// An empty path or "console" logs to stderr; anything else is a rotated file.
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	log.SetOutput(Writer(logPath))
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		DisableColors:   logPath != "" && logPath != Console,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	log.SetLevel(level)
	return nil
}

// Writer returns the destination for logPath.
func Writer(logPath string) io.Writer {
	if logPath == "" || logPath == Console {
		return os.Stderr
	}
	return &lumberjack.Logger{
		// Log file absolute path, os agnostic
		Filename:   filepath.ToSlash(logPath),
		MaxSize:    5, // MB
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
}
