package domain

// ErrorDetails carries the structured error reported by the executor.
type ErrorDetails struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// ExecutionResult is the outcome of one execution attempt, produced by the
// external executor and consumed exactly once by the driver loop.
type ExecutionResult struct {
	Success         bool             `json:"success"`
	Rows            []map[string]any `json:"rows,omitempty"`
	RowCount        int              `json:"row_count,omitempty"`
	AffectedRows    int              `json:"affected_rows,omitempty"`
	ExecutionTimeMS int64            `json:"execution_time_ms,omitempty"`
	Error           string           `json:"error,omitempty"`
	ErrorDetails    *ErrorDetails    `json:"error_details,omitempty"`
}

// ErrorMessage returns the best available error text for a failed result.
func (r *ExecutionResult) ErrorMessage() string {
	if r.ErrorDetails != nil && r.ErrorDetails.Message != "" {
		return r.ErrorDetails.Message
	}
	return r.Error
}
