// Package errors provides enhanced error types with stable codes, categories and suggestions
package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents a unique, stable error identifier callers can branch on
type ErrorCode string

const (
	// Governance: policy violations
	ErrCodeBlockedMatch           ErrorCode = "BLOCKED_MATCH"
	ErrCodeTimeFilterRequired     ErrorCode = "TIME_FILTER_REQUIRED"
	ErrCodeTimeAxisIncomplete     ErrorCode = "TIME_AXIS_INCOMPLETE"
	ErrCodeMultiDatasetNoJoinPath ErrorCode = "MULTI_DATASET_NO_JOIN_PATH"
	ErrCodeDatasetMismatch        ErrorCode = "DATASET_MISMATCH"

	// Governance: malformed plans
	ErrCodeEmptySelection       ErrorCode = "EMPTY_SELECTION"
	ErrCodeInvalidCanonicalRef  ErrorCode = "INVALID_CANONICAL_REF"
	ErrCodeAmbiguousReference   ErrorCode = "AMBIGUOUS_REFERENCE"
	ErrCodeInvalidFilterBetween ErrorCode = "INVALID_FILTER_BETWEEN"
	ErrCodeInvalidFilterValue   ErrorCode = "INVALID_FILTER_VALUE"
	ErrCodeInvalidFilterShape   ErrorCode = "INVALID_FILTER_SHAPE"
	ErrCodeNoCompilableSelect   ErrorCode = "NO_COMPILABLE_SELECT"

	// Transient backend errors
	ErrCodeRetrievalDegraded ErrorCode = "RETRIEVAL_DEGRADED"
	ErrCodeExecutionFailed   ErrorCode = "EXECUTION_FAILED"
	ErrCodeExecutionTimeout  ErrorCode = "EXECUTION_TIMEOUT"
	ErrCodeTimeBoundsFailed  ErrorCode = "TIME_BOUNDS_FAILED"
	ErrCodeRequestCancelled  ErrorCode = "REQUEST_CANCELLED"

	// Compilation and semantic layer errors
	ErrCodeCompilation          ErrorCode = "COMPILATION_FAILED"
	ErrCodeSQLFirewall          ErrorCode = "SQL_FIREWALL_BLOCKED"
	ErrCodeSemanticLayerInvalid ErrorCode = "SEMANTIC_LAYER_INVALID"

	// Database errors
	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY_FAILED"

	// Authentication errors
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeTokenCreation      ErrorCode = "TOKEN_CREATION_FAILED"
	ErrCodeNotAuthenticated   ErrorCode = "NOT_AUTHENTICATED"
	ErrCodeInsufficientPerms  ErrorCode = "INSUFFICIENT_PERMISSIONS"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"

	// Input validation errors
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED_FIELD"
	ErrCodeNotFound        ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeConflict        ErrorCode = "RESOURCE_CONFLICT"

	// Confirmation and cache errors
	ErrCodeConfirmationNotFound ErrorCode = "CONFIRMATION_NOT_FOUND"
	ErrCodeCacheRead            ErrorCode = "CACHE_READ_FAILED"
	ErrCodeCacheWrite           ErrorCode = "CACHE_WRITE_FAILED"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Category groups error codes by how a caller is expected to react
type Category string

const (
	// CategoryPolicy errors are recoverable by re-prompting the user and are never retried
	CategoryPolicy Category = "policy"
	// CategoryMalformedPlan errors carry the offending field so the caller can ask for clarification
	CategoryMalformedPlan Category = "malformed_plan"
	// CategoryTransient errors come from backends
	CategoryTransient Category = "transient"
	// CategoryInternal covers everything else
	CategoryInternal Category = "internal"
)

var categories = map[ErrorCode]Category{
	ErrCodeBlockedMatch:           CategoryPolicy,
	ErrCodeTimeFilterRequired:     CategoryPolicy,
	ErrCodeTimeAxisIncomplete:     CategoryPolicy,
	ErrCodeMultiDatasetNoJoinPath: CategoryPolicy,
	ErrCodeDatasetMismatch:        CategoryPolicy,

	ErrCodeEmptySelection:       CategoryMalformedPlan,
	ErrCodeInvalidCanonicalRef:  CategoryMalformedPlan,
	ErrCodeAmbiguousReference:   CategoryMalformedPlan,
	ErrCodeInvalidFilterBetween: CategoryMalformedPlan,
	ErrCodeInvalidFilterValue:   CategoryMalformedPlan,
	ErrCodeInvalidFilterShape:   CategoryMalformedPlan,
	ErrCodeNoCompilableSelect:   CategoryMalformedPlan,

	ErrCodeRetrievalDegraded: CategoryTransient,
	ErrCodeExecutionFailed:   CategoryTransient,
	ErrCodeExecutionTimeout:  CategoryTransient,
	ErrCodeTimeBoundsFailed:  CategoryTransient,
	ErrCodeRequestCancelled:  CategoryTransient,
}

// CategoryOf returns the category of an error code
func CategoryOf(code ErrorCode) Category {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// EnhancedError represents an error with additional context and helpful information
type EnhancedError struct {
	Code          ErrorCode              `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	Suggestion    string                 `json:"suggestion,omitempty"`
	Documentation string                 `json:"documentation,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"`
}

// Error implements the error interface
func (e *EnhancedError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if e.Details != "" {
		sb.WriteString(fmt.Sprintf(": %s", e.Details))
	}
	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(" (cause: %v)", e.Cause))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *EnhancedError) Unwrap() error {
	return e.Cause
}

// Category returns the taxonomy bucket of the error
func (e *EnhancedError) Category() Category {
	return CategoryOf(e.Code)
}

// UserMessage returns a user-friendly error message with suggestions
func (e *EnhancedError) UserMessage() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Details != "" {
		sb.WriteString(fmt.Sprintf("\n\nDetails: %s", e.Details))
	}
	if e.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion))
	}
	if e.Documentation != "" {
		sb.WriteString(fmt.Sprintf("\n\nLearn more: %s", e.Documentation))
	}

	return sb.String()
}

// New creates a new EnhancedError
func New(code ErrorCode, message string) *EnhancedError {
	return &EnhancedError{
		Code:     code,
		Message:  message,
		Metadata: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with enhanced context
func Wrap(err error, code ErrorCode, message string) *EnhancedError {
	return &EnhancedError{
		Code:     code,
		Message:  message,
		Cause:    err,
		Metadata: make(map[string]interface{}),
	}
}

// WithDetails adds detailed information about the error
func (e *EnhancedError) WithDetails(details string) *EnhancedError {
	e.Details = details
	return e
}

// WithSuggestion adds a suggestion on how to fix the error
func (e *EnhancedError) WithSuggestion(suggestion string) *EnhancedError {
	e.Suggestion = suggestion
	return e
}

// WithMetadata adds additional metadata to the error
func (e *EnhancedError) WithMetadata(key string, value interface{}) *EnhancedError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the ErrorCode from any error in the chain, or "" when there is none
func CodeOf(err error) ErrorCode {
	for err != nil {
		if enhanced, ok := err.(*EnhancedError); ok {
			return enhanced.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// HTTPStatus maps an error code to the status returned at the API boundary
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotAuthenticated, ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case ErrCodeInsufficientPerms:
		return http.StatusForbidden
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeInvalidInput, ErrCodeMissingRequired:
		return http.StatusBadRequest
	case ErrCodeConfirmationNotFound, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeExecutionTimeout:
		return http.StatusGatewayTimeout
	}

	switch CategoryOf(code) {
	case CategoryPolicy, CategoryMalformedPlan:
		return http.StatusUnprocessableEntity
	case CategoryTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Common error constructors with pre-configured messages

// NewSemanticLayerError creates an error for a semantic layer that cannot be loaded
func NewSemanticLayerError(err error, source string) *EnhancedError {
	return Wrap(err, ErrCodeSemanticLayerInvalid, "Semantic layer definition is invalid").
		WithDetails(fmt.Sprintf("Could not build the semantic index from %s", source)).
		WithSuggestion("Fix the definition and reload. The previously loaded index stays active.")
}

// NewRetrievalDegradedError describes a recall or rerank failure that was absorbed
func NewRetrievalDegradedError(err error, stage string) *EnhancedError {
	return Wrap(err, ErrCodeRetrievalDegraded, "Retrieval augmentation unavailable").
		WithDetails(fmt.Sprintf("The %s stage failed; continuing with deterministic token matches", stage)).
		WithMetadata("stage", stage).
		WithMetadata("retryable", true)
}

// NewExecutionError creates an error for a failed warehouse query
func NewExecutionError(err error) *EnhancedError {
	return Wrap(err, ErrCodeExecutionFailed, "Query execution failed").
		WithDetails("The warehouse rejected or failed to run the compiled query").
		WithSuggestion("This is usually temporary. Try again in a moment.").
		WithMetadata("retryable", true)
}

// NewExecutionTimeoutError creates an error for a warehouse query that exceeded its deadline
func NewExecutionTimeoutError(err error, timeout string) *EnhancedError {
	return Wrap(err, ErrCodeExecutionTimeout, "Query execution timed out").
		WithDetails(fmt.Sprintf("The warehouse did not answer within %s", timeout)).
		WithSuggestion("Narrow the time range or add filters to reduce the amount of scanned data.").
		WithMetadata("retryable", true)
}

// NewTimeBoundsError creates an error for a failed MIN/MAX time-bounds lookup
func NewTimeBoundsError(err error, dataset string) *EnhancedError {
	return Wrap(err, ErrCodeTimeBoundsFailed, "Could not determine available data range").
		WithDetails(fmt.Sprintf("The time-bounds query for dataset %s failed", dataset)).
		WithMetadata("dataset", dataset).
		WithMetadata("retryable", true)
}

// NewCancelledError creates an error for a request cancelled between pipeline stages
func NewCancelledError(err error, stage string) *EnhancedError {
	return Wrap(err, ErrCodeRequestCancelled, "Request cancelled").
		WithDetails(fmt.Sprintf("Processing stopped before the %s stage", stage)).
		WithMetadata("stage", stage)
}

// NewCompilationError creates an error for a plan that could not be compiled
func NewCompilationError(err error) *EnhancedError {
	return Wrap(err, ErrCodeCompilation, "Failed to compile SQL from the resolved plan").
		WithSuggestion("Rephrase the question using metrics and dimensions of a single dataset.")
}

// NewFirewallError creates an error for SQL rejected by the firewall
func NewFirewallError(reason string) *EnhancedError {
	return New(ErrCodeSQLFirewall, "SQL rejected by firewall").
		WithDetails(reason)
}

// NewInvalidCredentialsError creates an error for authentication failures
func NewInvalidCredentialsError() *EnhancedError {
	return New(ErrCodeInvalidCredentials, "Invalid username or password").
		WithDetails("Authentication failed with the provided credentials").
		WithSuggestion("Check your username and password and try again.")
}

// NewTokenCreationError creates an error for token creation failures
func NewTokenCreationError(err error) *EnhancedError {
	return Wrap(err, ErrCodeTokenCreation, "Failed to create authentication token").
		WithSuggestion("This is an internal server error. Please try logging in again.").
		WithMetadata("retryable", true)
}

// NewNotAuthenticatedError creates an error for unauthenticated requests
func NewNotAuthenticatedError() *EnhancedError {
	return New(ErrCodeNotAuthenticated, "Authentication required").
		WithDetails("This endpoint requires authentication").
		WithSuggestion("Log in using /api/v1/auth/login, or send a valid API key in the 'X-API-Key' header.")
}

// NewInsufficientPermissionsError creates an error for a missing role
func NewInsufficientPermissionsError(required []string) *EnhancedError {
	return New(ErrCodeInsufficientPerms, "Insufficient permissions").
		WithDetails(fmt.Sprintf("One of the roles %s is required", strings.Join(required, ", ")))
}

// NewRateLimitedError creates an error for clients over their request budget
func NewRateLimitedError(limit int) *EnhancedError {
	return New(ErrCodeRateLimited, "Rate limit exceeded").
		WithDetails(fmt.Sprintf("At most %d requests per minute are allowed", limit)).
		WithMetadata("retryable", true)
}

// NewInvalidInputError creates an error for invalid input
func NewInvalidInputError(field string, reason string) *EnhancedError {
	return New(ErrCodeInvalidInput, "Invalid input").
		WithDetails(fmt.Sprintf("Field '%s' is invalid: %s", field, reason)).
		WithSuggestion("Please check the API documentation for the expected format and try again.")
}

// NewConfirmationNotFoundError creates an error for an unknown or expired confirmation ID
func NewConfirmationNotFoundError(id string) *EnhancedError {
	return New(ErrCodeConfirmationNotFound, "Pending resolution not found").
		WithDetails(fmt.Sprintf("No pending resolution with ID %s; it may have expired", id)).
		WithSuggestion("Resolve the question again to obtain a fresh confirmation ID.")
}

// NewNotFoundError reports a missing user-owned resource such as an API key
func NewNotFoundError(kind, id string) *EnhancedError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", kind)).
		WithMetadata("id", id)
}

// NewConflictError reports a resource that already exists
func NewConflictError(kind string, err error) *EnhancedError {
	return Wrap(err, ErrCodeConflict, fmt.Sprintf("%s already exists", kind)).
		WithDetails(err.Error())
}

// NewDatabaseConnectionError creates an error for database connection failures
func NewDatabaseConnectionError(err error) *EnhancedError {
	return Wrap(err, ErrCodeDatabaseConnection, "Database connection failed").
		WithDetails("Unable to connect to the database").
		WithMetadata("retryable", true)
}

// NewDatabaseQueryError creates an error for database query failures
func NewDatabaseQueryError(err error, operation string) *EnhancedError {
	return Wrap(err, ErrCodeDatabaseQuery, "Database query failed").
		WithDetails(fmt.Sprintf("Failed to execute database operation: %s", operation)).
		WithMetadata("retryable", true)
}
