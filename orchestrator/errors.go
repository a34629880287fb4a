package orchestrator

// ErrorKind classifies a failure per the error handling design: validation,
// budget, model-unavailable, backend-transport, provider, deadline, internal.
type ErrorKind string

const (
	ErrValidation       ErrorKind = "validation"
	ErrBudget           ErrorKind = "budget"
	ErrModelUnavailable ErrorKind = "model_unavailable"
	ErrBackendTransport ErrorKind = "backend_transport"
	ErrProvider         ErrorKind = "provider"
	ErrDeadline         ErrorKind = "deadline"
	ErrInternal         ErrorKind = "internal"
)

// OrchestratorError is the structured error value nodes, the scheduler, and
// the envelope return instead of raising. It mirrors graph.NodeError's shape
// (Message/Code/Cause) with an added Kind so callers can branch on error
// handling policy without string-matching messages.
type OrchestratorError struct {
	Kind          ErrorKind
	Message       string
	CorrelationID string
	Cause         error
	Recoverable   bool
}

func (e *OrchestratorError) Error() string {
	if e.CorrelationID != "" {
		return string(e.Kind) + " [" + e.CorrelationID + "]: " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// NewError constructs an OrchestratorError of the given kind.
func NewError(kind ErrorKind, message string, recoverable bool, cause error) *OrchestratorError {
	return &OrchestratorError{Kind: kind, Message: message, Recoverable: recoverable, Cause: cause}
}
