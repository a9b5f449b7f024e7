package kcommon

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{name: "absent returns default", key: "GATHER_TEST_ENV_NOT_EXISTS", defaultValue: 42, want: 42},
		{name: "valid value wins", key: "GATHER_TEST_ENV_VALID", defaultValue: 42, envValue: "100", want: 100},
		{name: "invalid returns default", key: "GATHER_TEST_ENV_INVALID", defaultValue: 42, envValue: "abc", want: 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}
			assert.Equal(t, tt.want, GetEnvInt(tt.key, tt.defaultValue))
		})
	}
}

func TestGetEnvStringList(t *testing.T) {
	os.Setenv("GATHER_TEST_LIST", "a:1, b:2,,")
	defer os.Unsetenv("GATHER_TEST_LIST")
	assert.Equal(t, []string{"a:1", "b:2"}, GetEnvStringList("GATHER_TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, GetEnvStringList("GATHER_TEST_LIST_ABSENT", []string{"x"}))
}

func TestLookupEnvInt(t *testing.T) {
	env := MapEnv(map[string]string{"A": "7", "B": "seven", "C": " 3 "})

	v, ke := LookupEnvInt(env, "A")
	assert.Nil(t, ke)
	assert.Equal(t, 7, v)

	v, ke = LookupEnvInt(env, "C")
	assert.Nil(t, ke)
	assert.Equal(t, 3, v)

	_, ke = LookupEnvInt(env, "B")
	assert.NotNil(t, ke)
	assert.Equal(t, "EnvNotNumeric", ke.Type)
	assert.Equal(t, kerror.EC_CONFIG, ke.ErrorCode)

	_, ke = LookupEnvInt(env, "MISSING")
	assert.NotNil(t, ke)
	assert.Equal(t, "EnvNotSet", ke.Type)
	assert.Equal(t, "MISSING", ke.GetDetail("env"))
}

func TestMockTimeProvider(t *testing.T) {
	mock := NewMockTimeProvider()
	RunWithTimeProvider(mock, func() {
		start := GetMonoTimeMs()
		mock.AddTimeMs(25)
		assert.Equal(t, int64(25), GetMonoTimeMs()-start)
		assert.Equal(t, int64(25), GetWallTimeMs())
	})
	assert.NotEqual(t, mock, getTimeProvider())
}
