package domain

import "time"

// FailPayload identifies the unit of work to replay. Partition is empty for
// stage-level failures.
type FailPayload struct {
	Stage         Stage         `json:"stage"`
	Partition     string        `json:"partition,omitempty"`
	PartitionKind PartitionKind `json:"partition_kind,omitempty"`
	Page          int           `json:"page,omitempty"`
}

// FailQueueMessage is a failed unit of work. Dead letters use the same shape
// in a separate namespace.
type FailQueueMessage struct {
	ID         string      `json:"id"`
	Payload    FailPayload `json:"payload"`
	RetryCount int         `json:"retry_count"`
	Error      string      `json:"error"`
	Timestamp  time.Time   `json:"timestamp"`
}
