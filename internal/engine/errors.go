package engine

import "fmt"

type AppError struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_ENTITY",
		Status:  404,
		Message: fmt.Sprintf("Unknown entity: %s", name),
	}
}

// UnknownRelationError reports an include segment that the registry cannot
// resolve. The whole build fails; no partial plan is returned.
func UnknownRelationError(entity, segment string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_RELATION",
		Status:  400,
		Message: fmt.Sprintf("Entity %s has no relation %q", entity, segment),
	}
}

// InvalidRelationError reports relation metadata that its kind cannot work
// with (missing join table, missing type column, and the like).
func InvalidRelationError(relation, reason string) *AppError {
	return &AppError{
		Code:    "INVALID_RELATION_METADATA",
		Status:  422,
		Message: fmt.Sprintf("Relation %s: %s", relation, reason),
	}
}

// BackendError wraps a driver-level fetch failure, naming the failing
// node and table. No retry is attempted here; retry policy belongs to
// the driver.
func BackendError(nodeID, table string, err error) *AppError {
	return &AppError{
		Code:    "BACKEND_ERROR",
		Status:  502,
		Message: fmt.Sprintf("Fetch for node %s (table %s) failed: %v", nodeID, table, err),
	}
}

// TimeoutError reports that the whole-call deadline elapsed. Reported
// distinctly from backend errors.
func TimeoutError(timeoutMs int) *AppError {
	return &AppError{
		Code:    "QUERY_TIMEOUT",
		Status:  504,
		Message: fmt.Sprintf("Eager load exceeded the %dms deadline", timeoutMs),
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}
