package comm

import (
	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

// Error types surfaced to callers. All three are fatal to the cluster bootstrap, none is retried.
const (
	ErrTypeConfig        = "ConfigError"
	ErrTypeSession       = "SessionError"
	ErrTypeShapeMismatch = "ShapeMismatchError"
)

func newConfigError(msg string, cause error) *kerror.Kerror {
	return newError(ErrTypeConfig, msg, cause).WithErrorCode(kerror.EC_CONFIG)
}

func newSessionError(msg string, cause error) *kerror.Kerror {
	return newError(ErrTypeSession, msg, cause).WithErrorCode(kerror.EC_SESSION)
}

func newShapeMismatchError(msg string) *kerror.Kerror {
	return newError(ErrTypeShapeMismatch, msg, nil).WithErrorCode(kerror.EC_SHAPE_MISMATCH)
}

func newError(errType, msg string, cause error) *kerror.Kerror {
	if cause == nil {
		return kerror.Create(errType, msg)
	}
	return kerror.Wrap(cause, errType, msg, false)
}

func IsConfigError(err error) bool {
	return kerror.IsType(err, ErrTypeConfig)
}

func IsSessionError(err error) bool {
	return kerror.IsType(err, ErrTypeSession)
}

func IsShapeMismatchError(err error) bool {
	return kerror.IsType(err, ErrTypeShapeMismatch)
}
