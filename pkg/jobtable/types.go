package jobtable

import "time"

// Status is the lifecycle state of a tracked job.
//
// NOTE: These values are part of the wire contract returned to callers.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// ErrorReason is the fixed taxonomy stored on ERROR records.
type ErrorReason string

const (
	ReasonFunctionNotFound       ErrorReason = "FUNCTION_NOT_FOUND"
	ReasonFunctionExecutionError ErrorReason = "FUNCTION_EXECUTION_ERROR"
)

// Record is the job table's value type.
//
// Data is set iff Status is SUCCESS; ErrorReason iff Status is ERROR.
type Record struct {
	RequestID   string      `json:"request_id"`
	ServiceName string      `json:"service_name,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	Status      Status      `json:"status"`
	Data        any         `json:"data,omitempty"`
	ErrorReason ErrorReason `json:"error_reason,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Outcome is the terminal write applied by Complete.
type Outcome struct {
	Status      Status
	Data        any
	ErrorReason ErrorReason
	Detail      string
}

// Stats summarizes the table by status.
type Stats struct {
	InProgress int `json:"in_progress"`
	Success    int `json:"success"`
	Error      int `json:"error"`
	Running    int `json:"running_tasks"`
}
