package kerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKerrorBasic(t *testing.T) {
	e1 := Create("ConfigError", "env not set")
	assert.Regexp(t, "ConfigError: env not set", e1.Error())
}

func TestKerrorWithStack(t *testing.T) {
	e1 := Create("SessionError", "barrier failed")
	expected := "SessionError: barrier failed, stack=github.com/xinkaiwang/gathercomm/libs/xklib/kerror.TestKerrorWithStack"
	assert.Regexp(t, expected, e1.FullString())
}

func TestKerrorWithFields(t *testing.T) {
	e1 := Create("ShapeMismatchError", "shard count mismatch").With("expected", 3).With("got", 2).With("key", nil).With("val", []byte("test"))
	str := e1.Error()
	assert.Regexp(t, "expected=3,", str)
	assert.Regexp(t, "got=2,", str)
	assert.Regexp(t, "key=<nil>,", str)
	assert.Regexp(t, "val=74657374", str)
	assert.Equal(t, 3, e1.GetDetail("expected"))
	assert.Nil(t, e1.GetDetail("missing"))
}

func TestKerrorCausedByKerror(t *testing.T) {
	e1 := Create("EtcdGrantError", "lease grant failed")
	e2 := Wrap(e1, "SessionError", "session start failed", true /* needStack */).With("groupId", 0)
	expected := "SessionError: session start failed, groupId=0;\n Caused by: EtcdGrantError: lease grant failed, stack=github.com/xinkaiwang/gathercomm/libs/xklib/kerror.TestKerrorCausedByKerror"
	assert.Regexp(t, expected, e2.FullString())
	assert.Regexp(t, "caused by: EtcdGrantError", e2.Error())
}

func TestKerrorCausedByError(t *testing.T) {
	e1 := errors.New("connection refused")
	e2 := Wrap(e1, "SessionError", "dial failed", true /* needStack */).WithErrorCode(EC_SESSION)
	assert.Regexp(t, "^SessionError: dial failed", e2.FullString())
	assert.Regexp(t, "Caused by: connection refused", e2.FullString())
	assert.Regexp(t, "connection refused", e2.CausedByString())
	assert.True(t, errors.Is(e2, e1))
}

func TestIsTypeThroughWrapping(t *testing.T) {
	inner := Create("ShapeMismatchError", "bad shard").WithErrorCode(EC_SHAPE_MISMATCH)
	outer := Wrap(inner, "AllGatherFailed", "", false)
	wrapped := fmt.Errorf("round 3: %w", outer)

	assert.True(t, IsType(wrapped, "ShapeMismatchError"))
	assert.True(t, IsType(wrapped, "AllGatherFailed"))
	assert.False(t, IsType(wrapped, "ConfigError"))
	assert.True(t, HasErrorCode(wrapped, EC_SHAPE_MISMATCH))
	assert.False(t, HasErrorCode(wrapped, EC_CONFIG))
	assert.False(t, IsType(errors.New("plain"), "ConfigError"))
	assert.False(t, IsType(nil, "ConfigError"))
}

func TestErrorCodeIsFatal(t *testing.T) {
	assert.True(t, EC_CONFIG.IsFatal())
	assert.True(t, EC_SESSION.IsFatal())
	assert.True(t, EC_SHAPE_MISMATCH.IsFatal())
	assert.False(t, EC_TIMEOUT.IsFatal())
	assert.False(t, Wrap(errors.New("x"), "T", "", false).Retryable())
	assert.True(t, Retryable(Create("Busy", "").WithErrorCode(EC_RETRYABLE)))
}
