package worker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/payloadregistry"
)

func TestRegisterPayloadsDecodeRoundTrip(t *testing.T) {
	registry := payloadregistry.New()
	if err := RegisterPayloads(registry); err != nil {
		t.Fatal(err)
	}

	sent := &JobQueuedPayload{
		JobID:      "job-42",
		EnqueuedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(message.NewBaseMessage(JobQueuedType, sent, "worker-test"))
	if err != nil {
		t.Fatal(err)
	}

	baseMsg, err := message.NewDecoder(registry).Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got, ok := baseMsg.Payload().(*JobQueuedPayload)
	if !ok {
		t.Fatalf("payload type %T, want *JobQueuedPayload", baseMsg.Payload())
	}
	if got.JobID != sent.JobID {
		t.Fatalf("job id = %q, want %q", got.JobID, sent.JobID)
	}
	if !got.EnqueuedAt.Equal(sent.EnqueuedAt) {
		t.Fatalf("enqueued at = %v, want %v", got.EnqueuedAt, sent.EnqueuedAt)
	}
}

func TestRegisterPayloadsRejectsDuplicate(t *testing.T) {
	registry := payloadregistry.New()
	if err := RegisterPayloads(registry); err != nil {
		t.Fatal(err)
	}
	if err := RegisterPayloads(registry); err == nil {
		t.Fatal("second registration for the same type must fail")
	}
}

func TestJobQueuedPayloadValidate(t *testing.T) {
	if err := (&JobQueuedPayload{JobID: "job-1"}).Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := (&JobQueuedPayload{}).Validate(); err == nil {
		t.Fatal("missing job_id must be rejected")
	}
}
