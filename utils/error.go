package utils

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// MustNil aborts the process if e is not nil. Only startup paths use it.
func MustNil(e error, fields ...zap.Field) {
	if e != nil {
		fields = append(fields, zap.Error(e), zap.String("trace", string(debug.Stack())))
		zap.L().Fatal("error occurred", fields...)
	}
}
