package ossa

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/goliatone/go-errors"
)

// PanicLogger receives recovered panics together with a trimmed stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// LoggerPanicLogger reports panics through logger at error level.
func LoggerPanicLogger(logger Logger) PanicLogger {
	logger = NormalizeLogger(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		l := logger
		if len(fields) > 0 && fields[0] != nil {
			l = WithFields(logger, fields[0])
		}
		l.Error("recovered from panic in %s: %v\n%s", funcName, err, stack)
	}
}

// SafeCall runs fn and converts a panic into a clone of base. The panic is
// reported to logger when one is given.
func SafeCall(funcName string, base *errors.Error, logger PanicLogger, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stack := make([]byte, 8096)
		n := runtime.Stack(stack, false)
		stack = cleanStackTrace(stack[:n])

		if logger != nil {
			logger(funcName, r, stack)
		}

		var source error
		if e, ok := r.(error); ok {
			source = e
		}
		err = NewError(base, fmt.Sprintf("panic in %s: %v", funcName, r), source, map[string]any{
			"panic":    fmt.Sprint(r),
			"function": funcName,
		})
	}()
	return fn()
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// we find the index after the panic line
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
