package kcommon

import (
	"context"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
	"github.com/xinkaiwang/gathercomm/libs/xklib/klogging"
)

// TryCatchRun converts a *kerror.Kerror (or error) panic raised by fn into a return value.
func TryCatchRun(ctx context.Context, fn func()) (ret *kerror.Kerror) {
	defer func() {
		r := recover()
		if r != nil {
			if ke, ok := r.(*kerror.Kerror); ok {
				ret = ke
			} else if err, ok := r.(error); ok {
				ret = kerror.Wrap(err, "UnknownError", "", true)
			} else {
				// we should never throw a non-error panic; this will crash this process
				klogging.Fatal(ctx).WithPanic(r).Log("NonErrorPanic", "")
			}
		}
	}()
	fn()
	return
}

// AsError avoids the typed-nil trap when a *kerror.Kerror is returned as error.
func AsError(ke *kerror.Kerror) error {
	if ke == nil {
		return nil
	}
	return ke
}
