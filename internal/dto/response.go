package dto

// Error codes returned in the error envelope.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL_ERROR"
	CodeUnknownPlan          = "UNKNOWN_PLAN"
	CodeUnknownProgram       = "UNKNOWN_PROGRAM"
	CodeAlreadyEntitled      = "ALREADY_ENTITLED"
	CodeSubscriptionConflict = "SUBSCRIPTION_CONFLICT"
	CodeEntitlementRequired  = "ENTITLEMENT_REQUIRED"
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodePaymentFailed        = "PAYMENT_FAILED"
	CodeConflict             = "CONFLICT"
	CodeNoSubscription       = "NO_SUBSCRIPTION"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeMalformedEvent       = "MALFORMED_EVENT"
	CodeConfigMissing        = "CONFIGURATION_MISSING"
	CodeEmailTaken           = "EMAIL_TAKEN"
	CodeInvalidCredentials   = "INVALID_CREDENTIALS"
	CodeInvalidToken         = "INVALID_TOKEN"
)

type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

func OK(data any) Response {
	return Response{Success: true, Data: data}
}

func Fail(code, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Code: code, Message: message}}
}

func FailWithDetails(code, message string, details any) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Code: code, Message: message, Details: details}}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	DB        string `json:"db"`
	Cache     string `json:"cache,omitempty"`
}
