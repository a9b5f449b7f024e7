package klogging

import (
	"os"
	"sync"
)

var (
	osMu              sync.RWMutex
	currentOsProvider OsProvider = NewSystemOsProvider()
)

// OsProvider: Fatal level logs exit through here, tests swap in a mock.
type OsProvider interface {
	Exit(code int)
}

func OsExit(code int) {
	osMu.RLock()
	provider := currentOsProvider
	osMu.RUnlock()
	provider.Exit(code)
}

type SystemOsProvider struct {
}

func NewSystemOsProvider() OsProvider {
	return &SystemOsProvider{}
}

func (provider *SystemOsProvider) Exit(code int) {
	os.Exit(code)
}

type MockOsProvider struct {
	ExitCb func(code int)
}

func NewMockOsProvider() *MockOsProvider {
	return &MockOsProvider{}
}

// SetAsDefault installs the mock and returns a func restoring the previous provider.
func (provider *MockOsProvider) SetAsDefault() func() {
	osMu.Lock()
	old := currentOsProvider
	currentOsProvider = provider
	osMu.Unlock()
	return func() {
		osMu.Lock()
		currentOsProvider = old
		osMu.Unlock()
	}
}

func (provider *MockOsProvider) Exit(code int) {
	if provider.ExitCb != nil {
		provider.ExitCb(code)
	}
}
