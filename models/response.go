package models

import "time"

// APIResponse is the acknowledgment envelope for every HTTP reply.
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func now() string {
	return FormatTime(time.Now())
}

func SuccessResponse(data interface{}, message string) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: now(),
	}
}

func ErrorResponse(code, message string) APIResponse {
	return APIResponse{
		Success:   false,
		Error:     code,
		Message:   message,
		Timestamp: now(),
	}
}

func MessageResponse(message string) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Timestamp: now(),
	}
}
