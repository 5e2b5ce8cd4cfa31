package errors

// ServiceError is the JSON error body returned by the HTTP API.
type ServiceError struct {
	Message string `json:"message"`
}

func (e ServiceError) Error() string {
	return e.Message
}
