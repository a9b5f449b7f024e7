package klogging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

type Level uint32

// same ordering as logrus, minus PanicLevel, and TraceLevel renamed to VerboseLevel
const (
	FatalLevel Level = iota + 1
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
	VerboseLevel
)

func (e Level) String() string {
	switch e {
	case FatalLevel:
		return "fatal"
	case ErrorLevel:
		return "error"
	case WarnLevel:
		return "warn"
	case InfoLevel:
		return "info"
	case DebugLevel:
		return "debug"
	case VerboseLevel:
		return "verbose"
	default:
		return fmt.Sprintf("%d", int(e))
	}
}

// ParseLogLevel panics with UnknownLogLevel if str is not a known level.
func ParseLogLevel(str string) Level {
	switch {
	case strings.EqualFold("fatal", str):
		return FatalLevel
	case strings.EqualFold("error", str) || strings.EqualFold("err", str):
		return ErrorLevel
	case strings.EqualFold("warning", str) || strings.EqualFold("warn", str):
		return WarnLevel
	case strings.EqualFold("information", str) || strings.EqualFold("info", str):
		return InfoLevel
	case strings.EqualFold("debug", str):
		return DebugLevel
	case strings.EqualFold("verbose", str) || strings.EqualFold("trace", str):
		return VerboseLevel
	default:
		panic(kerror.Create("UnknownLogLevel", "parse log level failed").With("str", str).WithErrorCode(kerror.EC_CONFIG))
	}
}

func NeedLog(importance Level, threshold Level) bool {
	return int(importance) <= int(threshold)
}

type Logger interface {
	Log(entry *LogEntry, shouldLog bool)
	Level() Level
}

type LoggerHolder struct {
	Logger Logger
}

var currentLogger atomic.Value

func getCurrentLogger() Logger {
	val := currentLogger.Load()
	if l, ok := val.(*LoggerHolder); ok {
		return l.Logger
	}
	return nil
}

func getLogger() Logger {
	current := getCurrentLogger()
	if current == nil {
		current = &BasicLogger{
			LogLevel: InfoLevel,
		}
		currentLogger.Store(&LoggerHolder{current})
	}
	return current
}

func SetDefaultLogger(logger Logger) {
	currentLogger.Store(&LoggerHolder{logger})
}

type Keypair struct {
	K string
	V interface{}
}

type LogEntry struct {
	Logger             Logger
	Level              Level
	EffectiveThreshold Level
	ShouldLog          bool
	LogType            string
	Msg                string
	Details            []Keypair
	Ctx                context.Context
	Timestamp          time.Time
}

func NewEntry(ctx context.Context, level Level) *LogEntry {
	logger := getLogger()
	threshold := logger.Level()
	entry := &LogEntry{
		Logger:             logger,
		Level:              level,
		EffectiveThreshold: threshold,
		ShouldLog:          NeedLog(level, threshold),
		Ctx:                ctx,
		Timestamp:          time.Now(),
	}
	if entry.ShouldLog {
		GetCurrentCtxInfo(ctx).Visit(func(k, v string) {
			entry.Details = append(entry.Details, Keypair{k, v})
		})
	}
	return entry
}

func (entry *LogEntry) With(k string, v interface{}) *LogEntry {
	if entry.ShouldLog {
		entry.Details = append(entry.Details, Keypair{k, v})
	}
	return entry
}

func (entry *LogEntry) WithError(err error) *LogEntry {
	if !entry.ShouldLog || err == nil {
		return entry
	}
	if ke, ok := err.(*kerror.Kerror); ok {
		for _, item := range ke.Details {
			entry.Details = append(entry.Details, Keypair{item.K, item.V})
		}
		entry.Details = append(entry.Details,
			Keypair{"errorType", ke.Type},
			Keypair{"errorCode", ke.ErrorCode.String()},
			Keypair{"errorMsg", ke.Msg},
			Keypair{"causedBy", ke.CausedByString()})
		if ke.Stack != "" {
			entry.Details = append(entry.Details, Keypair{"stack", ke.Stack})
		}
	} else {
		entry.Details = append(entry.Details, Keypair{"error", err.Error()})
	}
	return entry
}

func (entry *LogEntry) WithPanic(r interface{}) *LogEntry {
	if err, ok := r.(error); ok {
		entry.WithError(err)
	} else {
		entry.With("panic", r)
	}
	entry.With("panicStack", kerror.GetCallStack(1))
	return entry
}

func (entry *LogEntry) Log(logType, msg string) {
	entry.LogType = logType
	entry.Msg = msg
	entry.Logger.Log(entry, entry.ShouldLog)
	if entry.Level == FatalLevel {
		OsExit(1)
	}
}

func (entry *LogEntry) String() string {
	var b strings.Builder
	b.Grow(256)
	fmt.Fprintf(&b, "level=%v, event=%s, msg=%s", entry.Level.String(), entry.LogType, entry.Msg)
	for _, item := range entry.Details {
		fmt.Fprintf(&b, ", %s=%v", item.K, item.V)
	}
	return b.String()
}

func Fatal(ctx context.Context) *LogEntry {
	return NewEntry(ctx, FatalLevel)
}
func Error(ctx context.Context) *LogEntry {
	return NewEntry(ctx, ErrorLevel)
}
func Warning(ctx context.Context) *LogEntry {
	return NewEntry(ctx, WarnLevel)
}
func Info(ctx context.Context) *LogEntry {
	return NewEntry(ctx, InfoLevel)
}
func Debug(ctx context.Context) *LogEntry {
	return NewEntry(ctx, DebugLevel)
}
func Verbose(ctx context.Context) *LogEntry {
	return NewEntry(ctx, VerboseLevel)
}

/********************************* BasicLogger ************************************/

// BasicLogger prints to stdout, and remembers the last line for tests.
type BasicLogger struct {
	LogLevel Level

	mu   sync.Mutex
	last string
}

func (bl *BasicLogger) Log(entry *LogEntry, shouldLog bool) {
	if !shouldLog {
		return
	}
	line := entry.String()
	fmt.Println(line)
	bl.mu.Lock()
	bl.last = line
	bl.mu.Unlock()
}

func (bl *BasicLogger) Level() Level {
	return bl.LogLevel
}

func (bl *BasicLogger) LastLine() string {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.last
}

// NullLogger discards all log entries
type NullLogger struct{}

func (nl *NullLogger) Log(entry *LogEntry, shouldLog bool) {}

func (nl *NullLogger) Level() Level {
	return VerboseLevel
}

func NewNullLogger() Logger {
	return &NullLogger{}
}
