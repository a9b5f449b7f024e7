package main

import (
	"context"
	"strconv"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kmetrics"
)

var (
	LogSizeBytesMetric  = kmetrics.CreateKmetric(context.Background(), "klogging_volume_byte", "log size in bytes, skipped events excluded", []string{"level", "event"})
	LogEventCountMetric = kmetrics.CreateKmetric(context.Background(), "klogging_event_count", "log event count, skipped events included", []string{"level", "event", "logged"}).CountOnly()
)

// logMetricsReporter implements klogging.LoggerMetricsReporter on kmetrics.
type logMetricsReporter struct{}

func (logMetricsReporter) ReportLogSizeBytes(ctx context.Context, size int, logLevel, eventType string) {
	LogSizeBytesMetric.GetTimeSequence(ctx, logLevel, eventType).Add(int64(size))
}

func (logMetricsReporter) ReportLogEventCount(ctx context.Context, count int, logLevel, eventType string, isLogged bool) {
	LogEventCountMetric.GetTimeSequence(ctx, logLevel, eventType, strconv.FormatBool(isLogged)).Add(int64(count))
}
