package kerror

import (
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

type Keypair struct {
	K string
	V interface{}
}

type Kerror struct {
	Type      string
	Msg       string
	Details   []Keypair // ordered, unlike a map
	Stack     string    // optional, normally only the inner most kerror carries a stack
	CausedBy  error     // optional, a *Kerror or any error
	ErrorCode ErrorCode // default EC_UNKNOWN
}

func Create(errType string, msg string) *Kerror {
	return &Kerror{
		Stack:     GetCallStack(1),
		Type:      errType,
		Msg:       msg,
		ErrorCode: EC_UNKNOWN,
	}
}

func (ke *Kerror) Error() string {
	return ke.shortString()
}

func (ke *Kerror) String() string {
	return ke.FullString()
}

func (ke *Kerror) With(key string, val interface{}) *Kerror {
	ke.Details = append(ke.Details, Keypair{K: key, V: val})
	return ke
}

func (ke *Kerror) WithErrorCode(code ErrorCode) *Kerror {
	ke.ErrorCode = code
	return ke
}

// Unwrap makes Kerror work with errors.Is() and errors.As()
func (ke *Kerror) Unwrap() error {
	return ke.CausedBy
}

func (ke *Kerror) WithoutStack() *Kerror {
	ke.Stack = ""
	return ke
}

func (ke *Kerror) GetType() string {
	return ke.Type
}

// GetDetail returns the first detail value recorded under key, nil if absent.
func (ke *Kerror) GetDetail(key string) interface{} {
	for _, item := range ke.Details {
		if item.K == key {
			return item.V
		}
	}
	return nil
}

func (ke *Kerror) shortString() string {
	var b strings.Builder
	b.Grow(256)
	ke.ToFullString(&b, false /*withStack*/, false /*withCause*/)
	if ke.CausedBy != nil {
		fmt.Fprintf(&b, "; caused by: ")
		ke.buildCausedByString(&b, false, false)
	}
	return b.String()
}

func (ke *Kerror) FullString() string {
	var b strings.Builder
	b.Grow(1000)
	ke.ToFullString(&b, true /*withStack*/, true /*withCause*/)
	return b.String()
}

func (ke *Kerror) CausedByString() string {
	var b strings.Builder
	b.Grow(256)
	ke.buildCausedByString(&b, false /*withStack*/, true /*withCause*/)
	return b.String()
}

func (ke *Kerror) ToFullString(b *strings.Builder, withStack, withCause bool) {
	fmt.Fprintf(b, "%s: %s", ke.Type, ke.Msg)
	for _, item := range ke.Details {
		fmt.Fprintf(b, ", %s=%v", item.K, formatVal(item.V))
	}
	if withStack && ke.Stack != "" {
		fmt.Fprintf(b, ", stack=%s", ke.Stack)
	}
	if withCause && ke.CausedBy != nil {
		fmt.Fprintf(b, ";\n Caused by: ")
		ke.buildCausedByString(b, withStack, withCause)
		fmt.Fprintf(b, "\n")
	}
}

func (ke *Kerror) buildCausedByString(b *strings.Builder, withStack, withCause bool) {
	if ke.CausedBy == nil {
		return
	}
	if cause, ok := ke.CausedBy.(*Kerror); ok {
		cause.ToFullString(b, withStack, withCause)
	} else {
		fmt.Fprintf(b, "%s", ke.CausedBy.Error())
	}
}

func formatVal(val interface{}) interface{} {
	if val == nil {
		return nil
	} else if bytes, ok := val.([]byte); ok {
		return hex.EncodeToString(bytes)
	}
	return val
}

func GetCallStack(removeTop int) string {
	stack := string(debug.Stack())
	// skip the goroutine header plus debug.Stack/GetCallStack frames
	split := strings.SplitAfterN(stack, "\n", 6+2*removeTop)
	return split[len(split)-1]
}

// Note: stack trace is expensive, only attach it when really needed.
func Wrap(err error, errType, msg string, needStack bool) *Kerror {
	ke := &Kerror{
		Type:      errType,
		Msg:       msg,
		CausedBy:  err,
		ErrorCode: EC_UNKNOWN,
	}
	if Retryable(err) {
		ke.ErrorCode = EC_RETRYABLE
	}
	if needStack {
		if _, ok := err.(*Kerror); !ok {
			ke.Stack = GetCallStack(1)
		}
	}
	return ke
}

// IsType reports whether err, or anything it wraps, is a *Kerror of the given type.
func IsType(err error, errType string) bool {
	for err != nil {
		var ke *Kerror
		if !errors.As(err, &ke) {
			return false
		}
		if ke.Type == errType {
			return true
		}
		err = ke.CausedBy
	}
	return false
}

// HasErrorCode reports whether err, or anything it wraps, is a *Kerror carrying code.
func HasErrorCode(err error, code ErrorCode) bool {
	for err != nil {
		var ke *Kerror
		if !errors.As(err, &ke) {
			return false
		}
		if ke.ErrorCode == code {
			return true
		}
		err = ke.CausedBy
	}
	return false
}

// ******************** Retryable ********************
type retryable interface {
	Retryable() bool
}

func (ke *Kerror) Retryable() bool {
	return ke.ErrorCode == EC_RETRYABLE
}

// Retryable: verify a given error (not necessarily a Kerror) is retryable or not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	retry, ok := err.(retryable)
	if !ok {
		return false
	}
	return retry.Retryable()
}
