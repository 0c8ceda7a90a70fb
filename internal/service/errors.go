package service

// Error codes carried by ServiceError. The API layer maps them to HTTP
// status codes.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeForbidden     = "FORBIDDEN"
	CodeNotFound      = "NOT_FOUND"
	CodeNotSupported  = "NOT_SUPPORTED"
	CodeInternalError = "INTERNAL_ERROR"
	CodeUnavailable   = "SERVICE_UNAVAILABLE"
	CodeTimeout       = "TIMEOUT"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func badRequest(msg string) *ServiceError {
	return &ServiceError{Code: CodeBadRequest, Message: msg}
}

func forbidden(msg string) *ServiceError {
	return &ServiceError{Code: CodeForbidden, Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: CodeNotFound, Message: msg}
}

func notSupported(msg string) *ServiceError {
	return &ServiceError{Code: CodeNotSupported, Message: msg}
}

func internalErr(msg string, err error) *ServiceError {
	return &ServiceError{Code: CodeInternalError, Message: msg, Err: err}
}

func unavailable(msg string) *ServiceError {
	return &ServiceError{Code: CodeUnavailable, Message: msg}
}
