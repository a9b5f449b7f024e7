package klogging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

func TestLoggerBasic(t *testing.T) {
	logger := &BasicLogger{LogLevel: DebugLevel}
	SetDefaultLogger(logger)
	Info(context.Background()).With("workerId", 2).Log("TopologyResolved", "worker topology resolved")
	expected := "level=info, event=TopologyResolved, msg=worker topology resolved, workerId=2"
	assert.Equal(t, expected, logger.LastLine())
}

func TestLoggerBelowThreshold(t *testing.T) {
	logger := &BasicLogger{LogLevel: InfoLevel}
	SetDefaultLogger(logger)
	Info(context.Background()).Log("First", "kept")
	Debug(context.Background()).With("k", "v").Log("Second", "dropped")
	assert.Equal(t, "level=info, event=First, msg=kept", logger.LastLine())
}

func TestLoggerWithCtxInfo(t *testing.T) {
	logger := &BasicLogger{LogLevel: DebugLevel}
	SetDefaultLogger(logger)

	ctx, info := CreateCtxInfo(context.Background())
	info.With("role", "worker")
	ctx, child := CreateCtxInfo(ctx)
	child.With("workerId", "1").With("empty", "")

	Info(ctx).With("shards", 3).Log("AllGatherDone", "")
	assert.Equal(t, "level=info, event=AllGatherDone, msg=, role=worker, workerId=1, shards=3", logger.LastLine())
	assert.Equal(t, "worker", child.FindByKey("role", "none"))
	assert.Equal(t, "none", child.FindByKey("missing", "none"))
}

func TestLoggerWithKerror(t *testing.T) {
	logger := &BasicLogger{LogLevel: DebugLevel}
	SetDefaultLogger(logger)
	ke := kerror.Create("ConfigError", "env not set").With("env", "DMLC_WORKER_ID").WithErrorCode(kerror.EC_CONFIG).WithoutStack()
	Error(context.Background()).WithError(ke).Log("ResolveFailed", "")
	assert.Regexp(t, "env=DMLC_WORKER_ID", logger.LastLine())
	assert.Regexp(t, "errorType=ConfigError", logger.LastLine())
	assert.Regexp(t, "errorCode=CONFIG", logger.LastLine())
}

func TestFatalExitsThroughOsProvider(t *testing.T) {
	SetDefaultLogger(NewNullLogger())
	exitCode := -1
	mock := NewMockOsProvider()
	mock.ExitCb = func(code int) { exitCode = code }
	restore := mock.SetAsDefault()
	defer restore()

	Fatal(context.Background()).Log("SessionFailed", "cannot continue")
	assert.Equal(t, 1, exitCode)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, VerboseLevel, ParseLogLevel("trace"))
	assert.Panics(t, func() { ParseLogLevel("loud") })
}
