package identity

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ServiceError reports a failed identity operation. Its code has the form
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
	errMissingStore        = errors.New("identity: store required")
	errMissingBackend      = errors.New("identity: backend required")
	errMissingConnectivity = errors.New("identity: connectivity required")
	errMissingRecovery     = errors.New("identity: recovery handler required")
	errMissingAccountID    = errors.New("identity: account id required")
	errMissingAccountToken = errors.New("identity: account token required")
	errMissingSessionID    = errors.New("identity: session id required")
)

const (
	opServiceNew     = "identity.service.new"
	opDeviceID       = "identity.device_id"
	opCreateSession  = "identity.create_session"
	opResumeSession  = "identity.resume_session"
	opCurrent        = "identity.current"
	opRecordTemp     = "identity.record_temp"
	opPromote        = "identity.promote"
	opSaveToken      = "identity.save_token"
	opJoinContext    = "identity.join_context"
	opClear          = "identity.clear"
	reasonPersist    = "persist_failed"
	reasonLoad       = "load_failed"
	reasonMissingArg = "missing_argument"
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
	s.logger.Error("identity service error", attrs...)
}

// fail logs and wraps err.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}
