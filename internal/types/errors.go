package types

// Error codes carried in ErrorBody.Code.
const (
	CodeBadRequest   = "RIG_400"
	CodeUnauthorized = "AUTH_401"
	CodeForbidden    = "AUTH_403"
	CodeNotFound     = "RIG_404"
	CodeConflict     = "RIG_409"
	CodeInternal     = "RIG_500"
	CodeBridge       = "BRIDGE_502"
	CodeTimeout      = "MOTION_504"
	CodeMotion       = "MOTION_500"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
