package kerror

type ErrorCode string

const (
	EC_OK                ErrorCode = "OK"
	EC_UNKNOWN           ErrorCode = "UNKNOWN"
	EC_NOT_FOUND         ErrorCode = "NOT_FOUND"
	EC_INVALID_PARAMETER ErrorCode = "INVALID_PARAMETER"
	EC_INTERNAL_ERROR    ErrorCode = "INTERNAL_ERROR"
	EC_TIMEOUT           ErrorCode = "TIMEOUT"
	EC_NETWORK_ERR       ErrorCode = "NETWORK_ERR"
	EC_RETRYABLE         ErrorCode = "RETRYABLE"

	// fatal classes raised while bootstrapping a gather cluster
	EC_CONFIG         ErrorCode = "CONFIG"
	EC_SESSION        ErrorCode = "SESSION"
	EC_SHAPE_MISMATCH ErrorCode = "SHAPE_MISMATCH"
)

func (code ErrorCode) String() string {
	return string(code)
}

// IsFatal: errors with these codes mean the cluster view is inconsistent, the process should not continue.
func (code ErrorCode) IsFatal() bool {
	switch code {
	case EC_CONFIG, EC_SESSION, EC_SHAPE_MISMATCH:
		return true
	default:
		return false
	}
}
