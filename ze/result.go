// Package ze holds the result codes and flag types shared by the USM packages.
package ze

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Result is the status code returned by every public memory operation
type Result int32

const (
	ResultSuccess                     Result = 0
	ResultErrorDeviceLost             Result = 0x70000001
	ResultErrorOutOfHostMemory        Result = 0x70000002
	ResultErrorOutOfDeviceMemory      Result = 0x70000003
	ResultErrorUninitialized          Result = 0x78000001
	ResultErrorUnsupportedFeature     Result = 0x78000003
	ResultErrorInvalidArgument        Result = 0x78000004
	ResultErrorInvalidNullPointer     Result = 0x78000007
	ResultErrorInvalidSize            Result = 0x78000008
	ResultErrorUnsupportedSize        Result = 0x78000009
	ResultErrorUnsupportedAlignment   Result = 0x7800000a
	ResultErrorInvalidEnumeration     Result = 0x7800000c
	ResultErrorUnsupportedEnumeration Result = 0x7800000d
	ResultErrorUnknown                Result = 0x7ffffffe
)

var resultMapping = map[Result]string{
	ResultSuccess:                     "ZE_RESULT_SUCCESS",
	ResultErrorDeviceLost:             "ZE_RESULT_ERROR_DEVICE_LOST",
	ResultErrorOutOfHostMemory:        "ZE_RESULT_ERROR_OUT_OF_HOST_MEMORY",
	ResultErrorOutOfDeviceMemory:      "ZE_RESULT_ERROR_OUT_OF_DEVICE_MEMORY",
	ResultErrorUninitialized:          "ZE_RESULT_ERROR_UNINITIALIZED",
	ResultErrorUnsupportedFeature:     "ZE_RESULT_ERROR_UNSUPPORTED_FEATURE",
	ResultErrorInvalidArgument:        "ZE_RESULT_ERROR_INVALID_ARGUMENT",
	ResultErrorInvalidNullPointer:     "ZE_RESULT_ERROR_INVALID_NULL_POINTER",
	ResultErrorInvalidSize:            "ZE_RESULT_ERROR_INVALID_SIZE",
	ResultErrorUnsupportedSize:        "ZE_RESULT_ERROR_UNSUPPORTED_SIZE",
	ResultErrorUnsupportedAlignment:   "ZE_RESULT_ERROR_UNSUPPORTED_ALIGNMENT",
	ResultErrorInvalidEnumeration:     "ZE_RESULT_ERROR_INVALID_ENUMERATION",
	ResultErrorUnsupportedEnumeration: "ZE_RESULT_ERROR_UNSUPPORTED_ENUMERATION",
	ResultErrorUnknown:                "ZE_RESULT_ERROR_UNKNOWN",
}

func (r Result) String() string {
	str, ok := resultMapping[r]
	if !ok {
		return fmt.Sprintf("ze.Result(%#x)", int32(r))
	}
	return str
}

type resultError struct {
	result Result
}

func (e resultError) Error() string {
	return e.result.String()
}

// ToError converts a failing Result into an error value. Success converts to nil. Two errors
// produced from the same Result compare equal under errors.Is.
func (r Result) ToError() error {
	if r == ResultSuccess {
		return nil
	}
	return resultError{result: r}
}

// Errorf produces an error that carries r and a description of what failed
func (r Result) Errorf(format string, args ...any) error {
	if r == ResultSuccess {
		return nil
	}
	return errors.Wrapf(r.ToError(), format, args...)
}

// ResultFromError recovers the Result carried by err. A nil error is Success and an error that
// carries no Result is Unknown.
func ResultFromError(err error) Result {
	if err == nil {
		return ResultSuccess
	}

	var target resultError
	if errors.As(err, &target) {
		return target.result
	}
	return ResultErrorUnknown
}
