package kcommon

import (
	"sync/atomic"
	"time"
)

var (
	currentTimeProvider atomic.Value
)

func init() {
	currentTimeProvider.Store(timeProviderHolder{NewSystemTimeProvider()})
}

type timeProviderHolder struct {
	provider TimeProvider
}

type TimeProvider interface {
	GetWallTimeMs() int64
	GetMonoTimeMs() int64
}

func getTimeProvider() TimeProvider {
	return currentTimeProvider.Load().(timeProviderHolder).provider
}

func setTimeProvider(provider TimeProvider) {
	currentTimeProvider.Store(timeProviderHolder{provider})
}

// RunWithTimeProvider swaps the provider for the duration of fn.
func RunWithTimeProvider(tp TimeProvider, fn func()) {
	old := getTimeProvider()
	setTimeProvider(tp)
	defer setTimeProvider(old)
	fn()
}

func GetWallTimeMs() int64 {
	return getTimeProvider().GetWallTimeMs()
}

func GetMonoTimeMs() int64 {
	return getTimeProvider().GetMonoTimeMs()
}

// SystemTimeProvider: implements TimeProvider interface
type SystemTimeProvider struct {
	startTime time.Time
}

func NewSystemTimeProvider() *SystemTimeProvider {
	return &SystemTimeProvider{
		startTime: time.Now(),
	}
}

func (provider *SystemTimeProvider) GetWallTimeMs() int64 {
	return time.Now().UnixMilli()
}

func (provider *SystemTimeProvider) GetMonoTimeMs() int64 {
	return time.Since(provider.startTime).Milliseconds()
}

// MockTimeProvider: time only moves when the test says so
type MockTimeProvider struct {
	WallTime atomic.Int64
	MonoTime atomic.Int64
}

func NewMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{}
}

func (provider *MockTimeProvider) GetWallTimeMs() int64 {
	return provider.WallTime.Load()
}

func (provider *MockTimeProvider) GetMonoTimeMs() int64 {
	return provider.MonoTime.Load()
}

func (provider *MockTimeProvider) AddTimeMs(diffMs int64) *MockTimeProvider {
	provider.MonoTime.Add(diffMs)
	provider.WallTime.Add(diffMs)
	return provider
}
