package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"

	// Idempotency guard codes
	ErrCodeMissingIdempotencyKey = "MISSING_IDEMPOTENCY_KEY"
	ErrCodeInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	ErrCodeRequestInProgress     = "REQUEST_IN_PROGRESS"
)

// APIError lets a service attach an HTTP status and error code to an error
// without depending on gin.
type APIError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError wraps err with a status and code
func NewAPIError(status int, code, message string, err error) *APIError {
	return &APIError{Status: status, Code: code, Message: message, Err: err}
}

// Build renders data/err into a status code and envelope without writing it.
// Callers that need the outcome as a value (the idempotency guard) use this
// instead of Handle.
func Build(method string, data interface{}, err error) (int, Response) {
	if err == nil {
		status := http.StatusOK
		if method == http.MethodPost {
			status = http.StatusCreated
		}
		return status, Response{Success: true, Data: data}
	}

	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Status, failure(apiErr.Code, apiErr.Message)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, failure(ErrCodeNotFound, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return http.StatusConflict, failure(ErrCodeDuplicateResource, "Resource already exists")
	default:
		return http.StatusInternalServerError, failure(ErrCodeInternalError, "An unexpected error occurred")
	}
}

func failure(code, message string) Response {
	return Response{Success: false, Error: &Error{Code: code, Message: message}}
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	status, body := Build(c.Request.Method, data, err)
	c.JSON(status, body)
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	Handle(c, data, nil)
}

// Fail sends an error envelope with an explicit status and code
func Fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, failure(code, message))
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	Fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	Fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	Fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}
