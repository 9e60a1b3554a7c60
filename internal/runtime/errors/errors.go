package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrPhaseNotFound        = sterrors.New("phaseflow: phase not found")
	ErrPhaseExists          = sterrors.New("phaseflow: phase already defined")
	ErrInvalidPhase         = sterrors.New("phaseflow: phase name is required")
	ErrPipelineStarted      = sterrors.New("phaseflow: pipeline topology is fixed once traffic started")
	ErrInterceptorRequired  = sterrors.New("phaseflow: interceptor function is required")
	ErrCancelled            = sterrors.New("phaseflow: execution cancelled")
	ErrQueueFull            = sterrors.New("phaseflow: dispatch queue is full")
	ErrDispatcherClosed     = sterrors.New("phaseflow: dispatcher is closed")
	ErrServiceNameRequired  = sterrors.New("phaseflow: service name is required")
	ErrServiceRequired      = sterrors.New("phaseflow: service instance is required")
	ErrServiceExists        = sterrors.New("phaseflow: service already registered")
	ErrSessionIDRequired    = sterrors.New("phaseflow: session id is required")
	ErrSessionExists        = sterrors.New("phaseflow: session already exists")
	ErrSinkRequired         = sterrors.New("phaseflow: dead letter sink is required")
	ErrPublisherRequired    = sterrors.New("phaseflow: publisher is required")
	ErrSubscriberRequired   = sterrors.New("phaseflow: subscriber is required")
	ErrTopicRequired        = sterrors.New("phaseflow: topic is required")
	ErrConfigRequired       = sterrors.New("phaseflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("phaseflow: logger is required")
	ErrEventPayloadRequired = sterrors.New("phaseflow: event payload is required")
	ErrInvalidEvent         = sterrors.New("phaseflow: invalid event")
	ErrUnexpectedPayload    = sterrors.New("phaseflow: unexpected payload type")
	ErrSessionNotFound      = sterrors.New("phaseflow: session not found")
	ErrUnknownTransport     = sterrors.New("phaseflow: unknown transport")
	ErrTransportRequired    = sterrors.New("phaseflow: transport builder is required")
	ErrStoreClosed          = sterrors.New("phaseflow: dead letter store is closed")
	ErrSubmitterRequired    = sterrors.New("phaseflow: submitter is required")
	ErrTopicSubscribed      = sterrors.New("phaseflow: topic already consumed")
	ErrConsumerRunning      = sterrors.New("phaseflow: consumer is already running")
)

// ConfigValidationError reports an invalid engine configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("phaseflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
