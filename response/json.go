package response

import (
	"encoding/json"
	"net/http"
)

// V1Response is the consistent envelope for all API responses
type V1Response struct {
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages"`
}

// V1ErrorResponse is the consistent envelope for all API errors
type V1ErrorResponse struct {
	Error     string      `json:"error"`
	Code      string      `json:"code,omitempty"`
	Messages  []string    `json:"messages"`
	Retryable bool        `json:"retryable"`
	Result    interface{} `json:"result"`
}

// WriteResponse will write the result as JSON with a 200 status code
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(V1Response{
		Result:   result,
		Messages: []string{},
	})
}

// WriteError will write the Error as JSON with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(V1ErrorResponse{
		Error:     e.Message,
		Code:      e.Code,
		Messages:  e.Messages,
		Retryable: e.Retryable,
		Result:    e.Result,
	})
}
