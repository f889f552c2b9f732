// Package apiresponse is the admin API's uniform JSON envelope, shared
// between internal/adminapi (the route handlers) and
// internal/middleware (auth/rate-limit rejections) so neither package
// has to import the other for it, adapted from the teacher's
// models.APIResponse/models.APIError.
package apiresponse

// Response is the admin API's uniform envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError is the uniform error body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Ok wraps data in a successful Response.
func Ok(data interface{}) Response {
	return Response{Success: true, Data: data}
}

// Fail builds a failed Response with the given error code and message.
func Fail(code, message string) Response {
	return Response{Success: false, Error: &APIError{Code: code, Message: message}}
}
