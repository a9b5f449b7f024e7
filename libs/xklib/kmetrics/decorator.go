package kmetrics

import (
	"context"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

var (
	OpsLatencyMetric = CreateKmetric(context.Background(), "gather_op_latency_ms", "latency of gathercomm operations", []string{"method", "status", "error"})
)

// FuncTypeError is a function being decorated, it reports failure by returning an error.
type FuncTypeError func(ctx context.Context) error

// InstrumentSummaryRunError records the latency of fn under (method, status, error type) and
// returns fn's error untouched.
func InstrumentSummaryRunError(ctx context.Context, method string, fn FuncTypeError) error {
	return instrumentRun(ctx, OpsLatencyMetric, method, fn)
}

func instrumentRun(ctx context.Context, metric *Kmetric, method string, fn FuncTypeError) error {
	tagStatus := "OK"
	var tagError string

	start := kcommon.GetMonoTimeMs()
	err := fn(ctx)
	elapsedMs := kcommon.GetMonoTimeMs() - start

	if err != nil {
		tagStatus = "ERROR"
		if ke, ok := err.(*kerror.Kerror); ok {
			tagError = ke.Type
		} else {
			tagError = "Unknown"
		}
	}
	metric.GetTimeSequence(ctx, method, tagStatus, tagError).Add(elapsedMs)
	return err
}
