package events

// TaskDispatchPayload is sent by the manager to Kafka for the worker.
type TaskDispatchPayload struct {
	TaskID      uint   `json:"task_id"`
	Kind        string `json:"kind"`
	Params      string `json:"params"`
	ParamSchema string `json:"param_schema,omitempty"`
	RetryCount  int    `json:"retry_count"`
}

// TaskResultPayload is received by the manager from Kafka (sent by the worker).
// Retryable is the worker's classification of the failure; the manager's retry
// policy still applies its budget on top of it.
type TaskResultPayload struct {
	TaskID    uint   `json:"task_id"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// TaskStatusEvent is broadcast on every observable status transition.
// Delivery is best-effort; consumers must not rely on it for state.
type TaskStatusEvent struct {
	TaskID     uint   `json:"task_id"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count,omitempty"`
	Error      string `json:"error,omitempty"`
}
