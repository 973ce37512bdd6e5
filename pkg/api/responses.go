package api

// Response is the uniform HTTP response envelope. Success responses
// carry Data; error responses carry ErrorCode and Message, with
// machine-readable Details when the error has them (validation field
// list, valid transitions, replay ids).
type Response struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ok wraps a success payload.
func ok(data any) *Response {
	return &Response{Success: true, Data: data}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the status of one internal component.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
