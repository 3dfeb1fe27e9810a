package errors

import (
	"fmt"
	"net/http"
)

type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewWithDetails(code int, message, details string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	ErrBadRequest          = New(http.StatusBadRequest, "Bad request")
	ErrUnauthorized        = New(http.StatusUnauthorized, "Unauthorized")
	ErrForbidden           = New(http.StatusForbidden, "Forbidden")
	ErrNotFound            = New(http.StatusNotFound, "Not found")
	ErrConflict            = New(http.StatusConflict, "Conflict")
	ErrInternalServerError = New(http.StatusInternalServerError, "Internal server error")
	ErrServiceUnavailable  = New(http.StatusServiceUnavailable, "Service unavailable")

	ErrChannelNotConnected = New(http.StatusServiceUnavailable, "Channel not connected")
	ErrSendFailed          = New(http.StatusInternalServerError, "Failed to send message")
	ErrInvalidPhoneNumber  = New(http.StatusBadRequest, "Invalid phone number")
	ErrUnsupportedChannel  = New(http.StatusBadRequest, "Unsupported channel type")

	ErrConnectionNotFound      = New(http.StatusNotFound, "Connection not found")
	ErrConnectionAlreadyExists = New(http.StatusConflict, "Connection already exists")
	ErrAlreadyConnecting       = New(http.StatusConflict, "Connection attempt already in progress")
	ErrConnectionExhausted     = New(http.StatusServiceUnavailable, "Connection attempts exhausted")
	ErrInvalidConfiguration    = New(http.StatusBadRequest, "Invalid channel configuration")

	ErrWebhookNotFound     = New(http.StatusNotFound, "Webhook not found")
	ErrWebhookInactive     = New(http.StatusConflict, "Webhook is not active")
	ErrCircuitBreakerOpen  = New(http.StatusServiceUnavailable, "Webhook circuit breaker open")
	ErrInvalidWebhookData  = New(http.StatusBadRequest, "Invalid webhook data")
	ErrInvalidSignature    = New(http.StatusUnauthorized, "Invalid webhook signature")
	ErrEventBusUnavailable = New(http.StatusServiceUnavailable, "Event bus unavailable")

	ErrAPIKeyNotFound   = New(http.StatusNotFound, "API key not found")
	ErrAPIKeyRevoked    = New(http.StatusUnauthorized, "API key revoked")
	ErrRateLimited      = New(http.StatusTooManyRequests, "Rate limit exceeded")
	ErrInvalidAPIKey    = New(http.StatusUnauthorized, "Invalid API key")
	ErrMissingAPIKey    = New(http.StatusUnauthorized, "API key is required")
	ErrPermissionDenied = New(http.StatusForbidden, "Permission denied")
)

func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

func GetAppError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewWithDetails(http.StatusInternalServerError, "Internal server error", err.Error())
}
