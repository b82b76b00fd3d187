// Package logger provides the structured loggers used across the batch
// scheduler: a stdout logger for interactive use and an optional
// file-backed logger for long-running executor processes.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logSubsys = "subsys"
)

var (
	defaultLogger  = initDefaultLogger()
	fileOnlyLogger = initFileLogger()

	defaultLogLevel = logrus.InfoLevel
	defaultLogFile  = "/var/log/batch-scheduler/scheduler.log"

	defaultLogFormat = &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: false,
		FullTimestamp:    true,
	}

	loggerMap = map[string]*logrus.Logger{
		"default":  defaultLogger,
		"fileOnly": fileOnlyLogger,
	}
)

// SetLevel adjusts the level of a named logger ("default" or "fileOnly").
func SetLevel(loggerName string, level logrus.Level) error {
	l, exists := loggerMap[loggerName]
	if !exists || l == nil {
		return fmt.Errorf("logger %s does not exist", loggerName)
	}
	l.SetLevel(level)
	return nil
}

func GetLevel(loggerName string) (logrus.Level, error) {
	l, exists := loggerMap[loggerName]
	if !exists || l == nil {
		return 0, fmt.Errorf("logger %s does not exist", loggerName)
	}
	return l.Level, nil
}

func initDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(defaultLogFormat)
	l.SetLevel(defaultLogLevel)
	return l
}

// initFileLogger returns a logger that rotates through lumberjack instead of
// writing to stdout; runner processes use this so batch-level chatter does
// not interleave with the parent process's console.
func initFileLogger() *logrus.Logger {
	l := initDefaultLogger()
	logFilePath := defaultLogFile
	dir, fileName := filepath.Split(logFilePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		l.Warnf("failed to create log directory: %v, falling back to working directory", err)
		logFilePath = fileName
	}

	logfile := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	l.SetOutput(io.Writer(logfile))
	return l
}

// New allocates a log entry scoped to subsys, e.g. "queue", "runner[3]".
func New(subsys string) *logrus.Entry {
	if subsys == "" {
		return logrus.NewEntry(defaultLogger)
	}
	return defaultLogger.WithField(logSubsys, subsys)
}

// NewFileOnly returns an entry that never touches stdout, for use inside
// hot dispatch loops where per-batch logging would otherwise flood the
// console of a co-located process.
func NewFileOnly(subsys string) *logrus.Entry {
	if subsys == "" {
		return logrus.NewEntry(fileOnlyLogger)
	}
	return fileOnlyLogger.WithField(logSubsys, subsys)
}
