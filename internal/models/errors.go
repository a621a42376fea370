package models

// AppError is a structured application error with the wire shape
// {"status":"error","message":...}. The HTTP status code travels
// out-of-band.
type AppError struct {
	Status  string `json:"status"` // always "error"
	Message string `json:"message"`
	Code    int    `json:"-"`
}

func (e *AppError) Error() string { return e.Message }

// Error constructors.
var (
	ErrBadRequest = func(msg string) *AppError {
		return &AppError{Status: "error", Message: msg, Code: 400}
	}
	ErrNotFound = func(msg string) *AppError {
		return &AppError{Status: "error", Message: msg, Code: 404}
	}
	ErrInternal = func(msg string) *AppError {
		return &AppError{Status: "error", Message: msg, Code: 500}
	}
)
