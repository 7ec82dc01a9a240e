// Package recovery classifies failures into network, payment, partner and backend
// categories and applies a per-category retry, backoff and fallback policy.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/backend"
)

// Kind is the failure category assigned by Classify.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindPayment    Kind = "payment"
	KindPartnerAPI Kind = "partner_api"
	KindBackend    Kind = "backend"
)

const unknownService = "unknown"

// ClassifiedError is the categorized view of a failure. It is derived on every failure and
// never persisted.
type ClassifiedError struct {
	Kind        Kind
	Message     string
	Code        string
	ServiceName string
	// UserMessage is safe to show to the end user.
	UserMessage string
	Retryable   bool
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e.ServiceName != "" {
		return fmt.Sprintf("%s error (%s, %s): %s", e.Kind, e.Code, e.ServiceName, e.Message)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

var (
	networkMarkers = []string{
		"fetch failed", "failed to fetch", "network", "connection refused", "connection reset",
		"no such host", "timeout", "timed out", "offline", "unreachable", "eof",
	}
	paymentMarkers = []string{
		"card was declined", "card declined", "card_declined", "insufficient funds", "insufficient_funds",
		"expired card", "card has expired", "expired_card", "security code", "cvc", "payment",
	}
	partnerMarkers    = []string{"partner api", "partner_api", "partner service"}
	validationMarkers = []string{"validation", "invalid"}
	notFoundMarkers   = []string{"not found", "not_found"}
)

// Classify assigns err to exactly one Kind. An explicit backend code wins; message
// inspection is only used for errors that did not originate from the backend client.
// online is the current connectivity signal. While offline, foreign errors are network
// failures unless they read as a payment failure.
func Classify(err error, online bool) ClassifiedError {
	if err == nil {
		return ClassifiedError{Kind: KindBackend, Code: string(backend.CodeServer), Message: "unknown error", UserMessage: genericMessage}
	}

	var already *ClassifiedError
	if errors.As(err, &already) {
		return *already
	}

	var backendErr *backend.Error
	if errors.As(err, &backendErr) {
		return classifyCode(backendErr.Code, backendErr.Service, backendErr.Message, err)
	}

	message := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		return networkError(message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return networkError(message, err)
	}
	if errors.Is(err, context.Canceled) {
		return ClassifiedError{Kind: KindBackend, Code: "canceled", Message: message, UserMessage: genericMessage, Err: err}
	}
	lowered := strings.ToLower(message)
	if !online && !containsAny(lowered, paymentMarkers) {
		return networkError(message, err)
	}
	switch {
	case containsAny(lowered, partnerMarkers):
		return classifyCode(backend.CodePartnerUnavailable, "", message, err)
	case containsAny(lowered, networkMarkers):
		return networkError(message, err)
	case containsAny(lowered, paymentMarkers):
		return classifyCode(paymentCodeFromMessage(lowered), "", message, err)
	case containsAny(lowered, notFoundMarkers):
		return classifyCode(backend.CodeNotFound, "", message, err)
	case containsAny(lowered, validationMarkers):
		return classifyCode(backend.CodeValidation, "", message, err)
	default:
		return classifyCode(backend.CodeServer, "", message, err)
	}
}

func classifyCode(code backend.Code, service, message string, err error) ClassifiedError {
	switch {
	case code == backend.CodeNetwork:
		return networkError(message, err)
	case code.IsPayment():
		return ClassifiedError{
			Kind:        KindPayment,
			Code:        string(code),
			Message:     message,
			UserMessage: PaymentMessage(code),
			Err:         err,
		}
	case code == backend.CodePartnerUnavailable:
		if service == "" {
			service = unknownService
		}
		return ClassifiedError{
			Kind:        KindPartnerAPI,
			Code:        string(code),
			Message:     message,
			ServiceName: service,
			UserMessage: partnerMessage,
			Retryable:   true,
			Err:         err,
		}
	case code == backend.CodeValidation:
		userMessage := strings.TrimSpace(message)
		if userMessage == "" {
			userMessage = validationMessage
		}
		return ClassifiedError{Kind: KindBackend, Code: string(code), Message: message, UserMessage: userMessage, Err: err}
	case code == backend.CodeNotFound:
		return ClassifiedError{Kind: KindBackend, Code: string(code), Message: message, UserMessage: notFoundMessage, Err: err}
	case code == backend.CodeUnauthorized:
		return ClassifiedError{Kind: KindBackend, Code: string(code), Message: message, UserMessage: unauthorizedMessage, Err: err}
	default:
		return ClassifiedError{Kind: KindBackend, Code: string(code), Message: message, UserMessage: genericMessage, Retryable: true, Err: err}
	}
}

func networkError(message string, err error) ClassifiedError {
	return ClassifiedError{
		Kind:        KindNetwork,
		Code:        string(backend.CodeNetwork),
		Message:     message,
		UserMessage: networkMessage,
		Retryable:   true,
		Err:         err,
	}
}

func paymentCodeFromMessage(lowered string) backend.Code {
	switch {
	case strings.Contains(lowered, "insufficient"):
		return backend.CodeInsufficientFunds
	case strings.Contains(lowered, "expired"):
		return backend.CodeExpiredCard
	case strings.Contains(lowered, "security code"), strings.Contains(lowered, "cvc"):
		return backend.CodeIncorrectCVC
	case strings.Contains(lowered, "declined"):
		return backend.CodeCardDeclined
	default:
		return backend.CodePaymentFailed
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
