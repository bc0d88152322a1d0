package common

// SuccessResponse wraps every successful API payload.
type SuccessResponse struct {
	Status  int         `json:"status"`
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// ErrorResponse pairs a user-safe message with a stable machine code.
type ErrorResponse struct {
	Status        int         `json:"status"`
	Success       bool        `json:"success"`
	Code          string      `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Details       interface{} `json:"details,omitempty"`
}

func NewSuccessResponse(status int, message string, data interface{}) SuccessResponse {
	return SuccessResponse{
		Status:  status,
		Success: true,
		Message: message,
		Data:    data,
	}
}

func NewErrorResponse(status int, code, message, correlationID string) ErrorResponse {
	return ErrorResponse{
		Status:        status,
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	}
}

// WithDetails attaches extra context, such as a field validation error.
func (r ErrorResponse) WithDetails(details interface{}) ErrorResponse {
	r.Details = details
	return r
}
