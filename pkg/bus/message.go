// Package bus implements the file-backed request/reply queue the effector
// services use to reach the hardware and directory workers. The queue lives
// on a shared volume; atomic renames stand in for a broker, so the only
// requirements on the filesystem are POSIX rename semantics and a shared
// mount.
//
// Lifecycle of a message:
//
//	pending/<id>.json     written atomically by a producer
//	processing/<id>.json  claimed by exactly one consumer via rename
//	responses/<id>.json   written atomically by the consumer
//
// The producer polls responses/ for the file named after its request id and
// deletes it once read.
package bus

import (
	"encoding/json"
	"time"
)

// Queue directory names under the shared volume root.
const (
	PendingDir    = "queues"
	ProcessingDir = "processing"
	ResponseDir   = "responses"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Request is the pending message envelope. The payload schema is owned by
// the consumer; the bus never inspects it.
type Request struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Response is the reply envelope, correlated to a request by OriginalID.
type Response struct {
	OriginalID string          `json:"original_id"`
	Result     string          `json:"result"`
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the reply indicates success.
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}
