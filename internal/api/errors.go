package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/vvidic/simple-lookup-service/internal/service"
)

func badRequestError(message string) *service.ServiceError {
	return &service.ServiceError{
		Code:    service.CodeBadRequest,
		Message: message,
	}
}

func notSupportedError(message string) *service.ServiceError {
	return &service.ServiceError{
		Code:    service.CodeNotSupported,
		Message: message,
	}
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeServiceError(w, badRequestError(message))
}

// writeServiceError maps service errors to HTTP response codes. Wrapped
// internal causes are logged, never echoed to the client.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.ServiceError
	if errors.As(err, &svcErr) {
		var status int
		switch svcErr.Code {
		case service.CodeBadRequest:
			status = http.StatusBadRequest
		case service.CodeForbidden:
			status = http.StatusForbidden
		case service.CodeNotFound:
			status = http.StatusNotFound
		case service.CodeNotSupported:
			status = http.StatusMethodNotAllowed
		case service.CodeUnavailable:
			status = http.StatusServiceUnavailable
		case service.CodeTimeout:
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusInternalServerError
		}
		if svcErr.Err != nil {
			log.Printf("[api] %s: %v", svcErr.Message, svcErr.Err)
		}
		WriteError(w, status, svcErr.Code, svcErr.Message)
		return
	}

	if err != nil {
		log.Printf("[api] unhandled error: %v", err)
	}
	WriteError(w, http.StatusInternalServerError, service.CodeInternalError, "internal server error")
}
