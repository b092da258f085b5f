// Package errors collects fatal startup failures so main can exit with a
// status code after deferred cleanups have run.
package errors

import (
	"fmt"
	"os"
	"time"

	"github.com/migadu/spoold/logger"
)

// GracefulError names the operation that failed.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// Exit codes
const (
	ExitOK     = 0
	ExitFatal  = 1
	ExitConfig = 2
)

// ErrorHandler records the first fatal error and its exit code.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// FatalError reports a failure of a running component.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("FATAL", "error", NewGracefulError(operation, err))
	eh.signal(ExitFatal)
}

// ConfigError reports a configuration file that could not be loaded.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.signal(ExitConfig)
}

// ValidationError reports an invalid configuration value.
func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.signal(ExitConfig)
}

// ExitCode returns the recorded exit code without blocking, ExitOK if none.
func (eh *ErrorHandler) ExitCode() int {
	select {
	case code := <-eh.exitChannel:
		eh.signal(code)
		return code
	default:
		return ExitOK
	}
}

// WaitForExitWithTimeout waits for a fatal error to be reported.
func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}
