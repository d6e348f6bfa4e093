package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/payloadregistry"
)

// JobQueuedType identifies job wake-up messages on the stream.
var JobQueuedType = message.Type{Domain: "dialectic", Category: "job", Version: "v1"}

// RegisterPayloads registers the worker's payload types with the given
// registry so message decoding can resolve them by type discriminator.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	return reg.Register(&payloadregistry.Registration{
		Domain:      "dialectic",
		Category:    "job",
		Version:     "v1",
		Description: "Wake-up notice for a queued generation job",
		Factory:     func() any { return &JobQueuedPayload{} },
	})
}

// JobQueuedPayload carries the id of a job awaiting processing. The row
// itself lives in the job bucket; the message only wakes a worker.
type JobQueuedPayload struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at,omitempty"`
}

// Schema implements message.Payload.
func (p *JobQueuedPayload) Schema() message.Type {
	return JobQueuedType
}

// Validate implements message.Payload.
func (p *JobQueuedPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *JobQueuedPayload) MarshalJSON() ([]byte, error) {
	type Alias JobQueuedPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *JobQueuedPayload) UnmarshalJSON(data []byte) error {
	type Alias JobQueuedPayload
	return json.Unmarshal(data, (*Alias)(p))
}
