package kcommon

import (
	"os"
	"strconv"
	"strings"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

// GetEnvInt returns defaultValue when key is absent or not an integer.
func GetEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvString(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvStringList splits a comma separated value, empty items dropped.
func GetEnvStringList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// EnvLookup abstracts os.LookupEnv so callers can resolve config from a fixed map in tests.
type EnvLookup func(key string) (string, bool)

func OsEnv() EnvLookup {
	return os.LookupEnv
}

func MapEnv(m map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// LookupEnvInt is the strict flavor of GetEnvInt.
// Returns a kerror (EnvNotSet / EnvNotNumeric, code EC_CONFIG) instead of falling back to a default.
func LookupEnvInt(env EnvLookup, key string) (int, *kerror.Kerror) {
	value, exists := env(key)
	if !exists {
		return 0, kerror.Create("EnvNotSet", "required env not set").
			With("env", key).
			WithErrorCode(kerror.EC_CONFIG).
			WithoutStack()
	}
	intValue, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, kerror.Wrap(err, "EnvNotNumeric", "required env is not an integer", false).
			With("env", key).
			With("value", value).
			WithErrorCode(kerror.EC_CONFIG)
	}
	return intValue, nil
}
