package klogging

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

// LogrusLogger implements klogging.Logger on top of logrus.
type LogrusLogger struct {
	RusLogger *logrus.Logger

	mu              sync.RWMutex
	logLevel        Level
	logFormat       LogFormat
	metricsReporter LoggerMetricsReporter
}

// LoggerMetricsReporter receives log volume per (level, event), including skipped entries.
type LoggerMetricsReporter interface {
	ReportLogSizeBytes(ctx context.Context, size int, logLevel, eventType string)
	ReportLogEventCount(ctx context.Context, count int, logLevel, eventType string, isLogged bool)
}

const (
	// human readable, ms resolution, carries timezone, sorts lexically
	TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
)

func NewLogrusLogger(ctx context.Context) *LogrusLogger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: TimestampFormat,
		FullTimestamp:   true,
	})
	// threshold is evaluated by LogrusLogger, logrus itself accepts everything
	log.SetLevel(logrus.TraceLevel)
	return &LogrusLogger{
		RusLogger: log,
		logLevel:  InfoLevel,
		logFormat: TextFormat,
	}
}

func (logger *LogrusLogger) WithMetricsReporter(reporter LoggerMetricsReporter) *LogrusLogger {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.metricsReporter = reporter
	return logger
}

func (logger *LogrusLogger) WithOutput(out io.Writer) *LogrusLogger {
	logger.RusLogger.SetOutput(out)
	return logger
}

type LogFormat uint32

const (
	TextFormat LogFormat = iota + 1
	JsonFormat
	SimpleFormat
)

func (e LogFormat) String() string {
	switch e {
	case TextFormat:
		return "Text"
	case JsonFormat:
		return "Json"
	case SimpleFormat:
		return "Simple"
	default:
		return fmt.Sprintf("%d", int(e))
	}
}

// panics with UnknownLogFormat if unable to parse
func parseLogFormat(str string) LogFormat {
	if strings.EqualFold("text", str) {
		return TextFormat
	} else if strings.EqualFold("json", str) {
		return JsonFormat
	} else if strings.EqualFold("simple", str) {
		return SimpleFormat
	}
	panic(kerror.Create("UnknownLogFormat", "parse log format failed").With("str", str).WithErrorCode(kerror.EC_CONFIG))
}

// SetConfig applies LOG_LEVEL (fatal..verbose) and LOG_FORMAT (text, json, simple).
// Invalid values are logged and ignored, the previous config stays in effect.
func (logger *LogrusLogger) SetConfig(ctx context.Context, newLevelStr string, newFormatStr string) *LogrusLogger {
	defer func() {
		if r := recover(); r != nil {
			Warning(ctx).WithPanic(r).Log("UpdateLogConfigFailed", "LogConfig update failed")
		}
	}()
	newLevel := ParseLogLevel(newLevelStr)
	newFormat := parseLogFormat(newFormatStr)

	logger.mu.Lock()
	oldLevel, oldFormat := logger.logLevel, logger.logFormat
	logger.logLevel = newLevel
	if oldFormat != newFormat {
		switch newFormat {
		case TextFormat:
			logger.RusLogger.SetFormatter(&logrus.TextFormatter{
				DisableColors:   true,
				TimestampFormat: TimestampFormat,
				FullTimestamp:   true,
			})
		case JsonFormat:
			logger.RusLogger.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: TimestampFormat,
			})
		case SimpleFormat:
			logger.RusLogger.SetFormatter(NewSimpleFormatter())
		}
		logger.logFormat = newFormat
	}
	logger.mu.Unlock()

	if oldLevel != newLevel {
		Info(ctx).With("oldLogLevel", oldLevel).With("newLogLevel", newLevel).Log("UpdateLogLevel", "LogLevel updated")
	}
	if oldFormat != newFormat {
		Info(ctx).With("oldLogFormat", oldFormat).With("newLogFormat", newFormat).Log("UpdateLogFormat", "LogFormat updated")
	}
	return logger
}

// Log implements Logger. Skipped entries (shouldLog=false) are only counted.
func (logger *LogrusLogger) Log(entry *LogEntry, shouldLog bool) {
	logger.mu.RLock()
	reporter := logger.metricsReporter
	logger.mu.RUnlock()

	fields := make(logrus.Fields, len(entry.Details)+1)
	logSize := len(entry.Msg) + len(entry.LogType)
	for _, item := range entry.Details {
		logSize += len(item.K) + estimateLength(item.V)
		fields[item.K] = item.V
	}
	if reporter != nil {
		ctx := entry.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if shouldLog {
			reporter.ReportLogSizeBytes(ctx, logSize, entry.Level.String(), entry.LogType)
		}
		// verbose volume is not worth a time series
		if NeedLog(entry.Level, DebugLevel) {
			reporter.ReportLogEventCount(ctx, 1, entry.Level.String(), entry.LogType, shouldLog)
		}
	}
	if !shouldLog {
		return
	}
	fields["event"] = entry.LogType
	ent := logger.RusLogger.WithFields(fields)
	ent.Time = entry.Timestamp
	ent.Log(kloggingLevel2Logrus(entry.Level), entry.Msg)
}

func estimateLength(obj interface{}) int {
	if str, ok := obj.(fmt.Stringer); ok {
		return len(str.String())
	}
	return len(fmt.Sprintf("%+v", obj))
}

// klogging levels line up with logrus levels (logrus PanicLevel=0 is unused)
func kloggingLevel2Logrus(level Level) logrus.Level {
	return logrus.Level(int(level))
}

func (logger *LogrusLogger) Level() Level {
	logger.mu.RLock()
	defer logger.mu.RUnlock()
	return logger.logLevel
}

func (logger *LogrusLogger) Format() LogFormat {
	logger.mu.RLock()
	defer logger.mu.RUnlock()
	return logger.logFormat
}
