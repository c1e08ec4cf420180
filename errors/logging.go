package errors

import (
	"fmt"

	"github.com/smallnest/acpgate/internal/logger"
	"go.uber.org/zap"
)

// ErrorHandler provides centralized error logging
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{logger: logger.L()}
}

// Handle logs an error with severity chosen from its code
func (h *ErrorHandler) Handle(err error) {
	if err == nil {
		return
	}

	code := GetCode(err)
	msg := GetMessage(err)

	switch code {
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeAlreadyExists, ErrCodeSessionNotFound:
		h.logger.Debug("User error", zap.String("code", string(code)), zap.String("message", msg))
	case ErrCodeTimeout:
		h.logger.Info("Temporary error", zap.String("code", string(code)), zap.String("message", msg))
	default:
		h.logger.Error("Operation failed",
			zap.String("code", string(code)),
			zap.String("message", msg),
			zap.Error(err))
	}
}

// Handlef logs an error with a formatted message
func (h *ErrorHandler) Handlef(err error, format string, args ...any) {
	if err == nil {
		return
	}
	h.logger.Error(fmt.Sprintf(format, args...),
		zap.String("error_code", string(GetCode(err))),
		zap.String("error_message", GetMessage(err)),
		zap.Error(err))
}
