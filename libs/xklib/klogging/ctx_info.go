package klogging

import (
	"context"
	"sort"
)

type ctxKey int

var ctxInfoKey ctxKey

// CtxInfo carries fields that every log line written under this ctx should include,
// e.g. role and workerId of the current node.
type CtxInfo struct {
	Parent  *CtxInfo
	Details map[string]string
}

// GetCurrentCtxInfo returns nil when ctx carries no CtxInfo.
func GetCurrentCtxInfo(ctx context.Context) *CtxInfo {
	if ctx == nil {
		return nil
	}
	info, _ := ctx.Value(ctxInfoKey).(*CtxInfo)
	return info
}

// CreateCtxInfo creates a child info, using the info in ctx (if any) as parent.
func CreateCtxInfo(ctx context.Context) (context.Context, *CtxInfo) {
	info := &CtxInfo{
		Parent:  GetCurrentCtxInfo(ctx),
		Details: map[string]string{},
	}
	return context.WithValue(ctx, ctxInfoKey, info), info
}

// not safe for concurrent use: populate before handing ctx to other goroutines.
func (info *CtxInfo) With(k string, v string) *CtxInfo {
	info.Details[k] = v
	return info
}

// Visit walks parents first, keys sorted within one level. Empty values are skipped.
func (info *CtxInfo) Visit(visitor func(k, v string)) {
	if info == nil {
		return
	}
	info.Parent.Visit(visitor)
	keys := make([]string, 0, len(info.Details))
	for k := range info.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := info.Details[k]; v != "" {
			visitor(k, v)
		}
	}
}

// FindByKey returns fallback if k is not found in this info or any parent.
func (info *CtxInfo) FindByKey(k string, fallback string) string {
	if info == nil {
		return fallback
	}
	if v, ok := info.Details[k]; ok && v != "" {
		return v
	}
	return info.Parent.FindByKey(k, fallback)
}
