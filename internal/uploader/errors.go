package uploader

import "fmt"

// ValidationError rejects a selected file locally; no request is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ServerRejectionError is an explicit failure response from the upload
// endpoint.
type ServerRejectionError struct {
	Message string
}

func (e *ServerRejectionError) Error() string {
	return e.Message
}

// StatusServiceError is a non-2xx answer from the status or delete endpoint.
type StatusServiceError struct {
	Endpoint string
	Status   string
}

func (e *StatusServiceError) Error() string {
	return fmt.Sprintf("%s endpoint: %s", e.Endpoint, e.Status)
}
