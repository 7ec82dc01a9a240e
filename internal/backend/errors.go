package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable failure reason carried on every backend error.
type Code string

const (
	CodeNetwork            Code = "network"
	CodeValidation         Code = "validation"
	CodeNotFound           Code = "not_found"
	CodeUnauthorized       Code = "unauthorized"
	CodeServer             Code = "server_error"
	CodePartnerUnavailable Code = "partner_unavailable"
	CodeCardDeclined       Code = "card_declined"
	CodeInsufficientFunds  Code = "insufficient_funds"
	CodeExpiredCard        Code = "expired_card"
	CodeIncorrectCVC       Code = "incorrect_cvc"
	CodePaymentFailed      Code = "payment_failed"
)

// IsPayment reports whether the code originates from the payment gateway.
func (c Code) IsPayment() bool {
	switch c {
	case CodeCardDeclined, CodeInsufficientFunds, CodeExpiredCard, CodeIncorrectCVC, CodePaymentFailed:
		return true
	default:
		return false
	}
}

// Error is returned by every backend call that did not succeed.
type Error struct {
	Code    Code
	Status  int
	Message string
	// Service names the third-party service a partner failure is attributed to.
	Service string
	Err     error
}

func (e *Error) Error() string {
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if e.Service != "" {
		return fmt.Sprintf("backend %s (%s): %s", e.Code, e.Service, message)
	}
	return fmt.Sprintf("backend %s: %s", e.Code, message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(cause error) *Error {
	return &Error{Code: CodeNetwork, Message: "fetch failed", Err: cause}
}

// NewPartnerError attributes a failure to a named third-party service.
func NewPartnerError(service string, cause error) *Error {
	message := "partner API failed"
	if cause != nil {
		message = fmt.Sprintf("partner API failed: %v", cause)
	}
	return &Error{Code: CodePartnerUnavailable, Status: http.StatusBadGateway, Service: service, Message: message, Err: cause}
}

// CodeOf returns the backend code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var backendErr *Error
	if errors.As(err, &backendErr) {
		return backendErr.Code, true
	}
	return "", false
}

// IsNotFound reports whether err is a backend not-found failure.
func IsNotFound(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == CodeNotFound
}

func codeForStatus(status int, service string) Code {
	switch {
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusPaymentRequired:
		return CodePaymentFailed
	case service != "" && status >= http.StatusInternalServerError:
		return CodePartnerUnavailable
	default:
		return CodeServer
	}
}
