package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrContractViolation is returned when a response lacks a key the events API promises.
	ErrContractViolation = errors.New("events API contract violation")

	// ErrCancelled is returned when the operator aborts a pull.
	ErrCancelled = errors.New("pull cancelled")

	// ErrNoAccessToken is returned when the token endpoint answers 2xx without a token.
	ErrNoAccessToken = errors.New("token response has no access_token")
)

// ErrorClass represents a classification of pull failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx (and other non-2xx) responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents token endpoint failures.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassContract represents malformed or incomplete responses.
	ErrorClassContract ErrorClass = "contract"

	// ErrorClassCancelled represents operator cancellation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// APIError is a non-2xx answer from the events endpoint.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass

	// Code and Message come from the appliance's {"error", "message"} body, when present.
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" || e.Message != "" {
		return fmt.Sprintf("ATP %s error (status %d): %s %s",
			e.ErrorClass, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ATP %s error (status %d)", e.ErrorClass, e.StatusCode)
}

// newAPIError builds an APIError from a status code and response body.
func newAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		ErrorClass: ClassifyStatus(statusCode),
	}

	var detail struct {
		Error   any `json:"error"`
		Message any `json:"message"`
	}
	if err := json.Unmarshal(body, &detail); err == nil {
		if detail.Error != nil {
			apiErr.Code = fmt.Sprint(detail.Error)
		}
		if detail.Message != nil {
			apiErr.Message = fmt.Sprint(detail.Message)
		}
	}
	return apiErr
}

// AuthError is returned when a bearer token cannot be obtained.
type AuthError struct {
	Server     string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authorization failed on server %s (status %d): %v", e.Server, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authorization failed on server %s: %v", e.Server, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// PullError is the terminal error of one server's pull.
type PullError struct {
	Server     string
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *PullError) Error() string {
	return fmt.Sprintf("failed to pull events from server %s (%s): %v", e.Server, e.ErrorClass, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PullError) Unwrap() error {
	return e.Err
}

// NewPullError wraps err for server, classifying it.
func NewPullError(server string, err error) *PullError {
	return &PullError{Server: server, ErrorClass: Classify(err), Err: err}
}

// ClassifyStatus maps a non-2xx HTTP status to an ErrorClass.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case IsTokenRejection(statusCode):
		return ErrorClassClient
	case statusCode >= 200 && statusCode <= 299:
		return ""
	default:
		return ErrorClassServer
	}
}

// IsTokenRejection reports whether a query status means the bearer token
// should be replaced. Every 4xx qualifies.
func IsTokenRejection(statusCode int) bool {
	return statusCode >= 400 && statusCode <= 499
}

// Classify categorizes any error produced while pulling.
func Classify(err error) ErrorClass {
	var (
		apiErr  *APIError
		authErr *AuthError
		pullErr *PullError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pullErr):
		return pullErr.ErrorClass
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorClassCancelled
	case errors.As(err, &authErr):
		return ErrorClassAuth
	case errors.Is(err, ErrContractViolation):
		return ErrorClassContract
	case errors.As(err, &apiErr):
		return apiErr.ErrorClass
	default:
		return ErrorClassNetwork
	}
}
