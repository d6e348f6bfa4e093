//go:build integration

package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/c360studio/semstreams/natsclient"
)

func newTestStore(t *testing.T) (*Store, *Gateway) {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	if err != nil {
		t.Fatalf("get jetstream: %v", err)
	}
	store, err := NewStore(ctx, js)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	gateway, err := NewGateway(ctx, js, "")
	if err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	return store, gateway
}

func TestStore_JobLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateJob(ctx, &GenerationJob{
		SessionID: "sess-1",
		JobType:   JobTypePlan,
		Payload:   JobPayload{SessionID: "sess-1", StageSlug: "thesis"},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	job, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != JobStatusPending {
		t.Errorf("new job status = %s, want pending", job.Status)
	}

	if _, err := store.UpdateJobStatus(ctx, id, JobStatusProcessing); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if _, err := store.UpdateJobStatus(ctx, id, JobStatusPendingNextStep); err != nil {
		t.Fatalf("to pending_next_step: %v", err)
	}
	if _, err := store.UpdateJobStatus(ctx, id, JobStatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending_next_step -> completed should be rejected, got %v", err)
	}
}

func TestStore_RepairLatestEdit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rootID, _ := store.CreateContribution(ctx, &Contribution{SessionID: "s", StageSlug: "thesis", IsLatestEdit: false})
	chunkID, _ := store.CreateContribution(ctx, &Contribution{SessionID: "s", StageSlug: "thesis", TargetContributionID: &rootID, IsLatestEdit: true})
	siblingID, _ := store.CreateContribution(ctx, &Contribution{SessionID: "s", StageSlug: "thesis", TargetContributionID: &rootID, IsLatestEdit: true})

	if err := store.RepairLatestEdit(ctx, []string{rootID, chunkID}, rootID); err != nil {
		t.Fatalf("repair: %v", err)
	}

	root, _ := store.GetContribution(ctx, rootID)
	if !root.IsLatestEdit {
		t.Error("root should be latest after repair")
	}
	chunk, _ := store.GetContribution(ctx, chunkID)
	if chunk.IsLatestEdit {
		t.Error("chain chunk should be cleared")
	}
	sibling, _ := store.GetContribution(ctx, siblingID)
	if !sibling.IsLatestEdit {
		t.Error("sibling outside the lineage must keep its flag")
	}
}

func TestGateway_UploadDownload(t *testing.T) {
	_, gateway := newTestStore(t)
	ctx := context.Background()

	path := "projects/p/sessions/s/iteration_1/1_thesis/doc.md"
	if _, err := gateway.Upload(ctx, path, []byte("hello"), UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	// Second non-upsert write to the same path must fail.
	if _, err := gateway.Upload(ctx, path, []byte("clobber"), UploadOptions{}); !errors.Is(err, ErrObjectExists) {
		t.Errorf("expected ErrObjectExists, got %v", err)
	}

	// Upsert overwrites.
	if _, err := gateway.Upload(ctx, path, []byte("world"), UploadOptions{Upsert: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	data, err := gateway.Download(ctx, path)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("download = %q, want %q", data, "world")
	}

	if _, err := gateway.Download(ctx, "missing/path.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing object should map to ErrNotFound, got %v", err)
	}
}
