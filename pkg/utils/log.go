package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// PrefixLogger is a logger registered under a prefix so its level can be
// changed at runtime.
type PrefixLogger struct {
	Logger *log.LogrusLogger
	level  log.Level
}

func (pl *PrefixLogger) Level() string {
	switch pl.level {
	case log.PanicLevel:
		return "Panic"
	case log.FatalLevel:
		return "Fatal"
	case log.ErrorLevel:
		return "Error"
	case log.WarnLevel:
		return "Warn"
	case log.InfoLevel:
		return "Info"
	case log.DebugLevel:
		return "Debug"
	case log.TraceLevel:
		return "Trace"
	}
	return "Unknown"
}

var (
	loggers         = make(map[string]*PrefixLogger)
	loggersMu       sync.Mutex
	DefaultLogLevel = log.InfoLevel
)

// NewFormatter returns the text formatter shared by every logger in the process.
func NewFormatter() logrus.Formatter {
	return &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
		ForceColors:     true,
		ForceFormatting: true,
	}
}

func NewLogrusLogger(level log.Level, prefix string, fields log.Fields) log.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, found := loggers[prefix]; found {
		return logger.Logger.WithPrefix(prefix)
	}
	l := logrus.New()
	l.Level = logrus.ErrorLevel
	l.Formatter = NewFormatter()
	l.SetReportCaller(true)
	logger := log.NewLogrusLogger(l, "main", fields)
	loggers[prefix] = &PrefixLogger{
		Logger: logger,
		level:  level,
	}
	logger.SetLevel(level)
	return logger.WithPrefix(prefix)
}

func SetLogLevel(prefix string, level log.Level) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, found := loggers[prefix]; found {
		logger.level = level
		logger.Logger.SetLevel(level)
		return nil
	}
	return fmt.Errorf("logger [%v] not found", prefix)
}

// ParseLevel maps a level name such as "debug" to a log.Level.
func ParseLevel(name string) (log.Level, error) {
	switch strings.ToLower(name) {
	case "panic":
		return log.PanicLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "trace":
		return log.TraceLevel, nil
	}
	return DefaultLogLevel, fmt.Errorf("unknown log level %q", name)
}

func GetLoggers() map[string]*PrefixLogger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	out := make(map[string]*PrefixLogger, len(loggers))
	for k, v := range loggers {
		out[k] = v
	}
	return out
}
