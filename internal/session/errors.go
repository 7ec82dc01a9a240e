package session

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ServiceError reports a failed session operation. Its code has the form
// <operation>.<reason> and it unwraps to the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

var (
	errMissingBackend      = errors.New("session: backend required")
	errMissingIdentity     = errors.New("session: identity service required")
	errMissingQueue        = errors.New("session: queue required")
	errMissingSnapshots    = errors.New("session: snapshot cache required")
	errMissingRecovery     = errors.New("session: recovery handler required")
	errMissingConnectivity = errors.New("session: connectivity required")
	errMissingMethodID     = errors.New("session: payment method id required")
)

const (
	opServiceNew = "session.service.new"
	opWrite      = "session.write"
	opPromote    = "session.promote"
	opAccount    = "session.account"
	opLogout     = "session.logout"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("session service error", attrs...)
}
