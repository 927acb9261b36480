package journal

import (
	"context"
	"errors"
	"testing"

	"etabridge.org/internal/ereceipt"
)

func TestRecordAndLookupSubmission(t *testing.T) {
	j := NewInMemory()
	ctx := context.Background()

	creds := ereceipt.CredentialSet{ClientID: "c1", PosSerial: "P1"}
	out := ereceipt.SubmissionOutcome{
		SubmissionUUID: "SUB-1",
		Accepted:       []ereceipt.AcceptedDocument{{UUID: "U1", LongID: "L1", ReceiptNumber: "R-001"}},
		Rejected: []ereceipt.RejectedDocument{
			{ReceiptNumber: "R-002", Error: ereceipt.ErrorDetail{Message: "duplicate"}},
		},
	}
	if err := j.RecordSubmission(ctx, creds, out); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}

	entry, err := j.Submission(ctx, "SUB-1")
	if err != nil {
		t.Fatalf("Submission: %v", err)
	}
	if entry.ClientID != "c1" || entry.PosSerial != "P1" {
		t.Fatalf("unexpected identity: %s/%s", entry.ClientID, entry.PosSerial)
	}
	if len(entry.Accepted) != 1 || len(entry.Rejected) != 1 {
		t.Fatalf("unexpected document counts: %d/%d", len(entry.Accepted), len(entry.Rejected))
	}
	if entry.ID == "" || entry.SubmittedAt.IsZero() {
		t.Fatal("expected id and timestamp to be set")
	}
}

func TestSubmissionNotFound(t *testing.T) {
	j := NewInMemory()
	if _, err := j.Submission(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordStatusKeepsLatest(t *testing.T) {
	j := NewInMemory()
	ctx := context.Background()

	first := ereceipt.ReceiptStatusSnapshot{UUID: "U1", Status: "Received"}
	second := ereceipt.ReceiptStatusSnapshot{UUID: "U1", Status: "Valid"}
	if err := j.RecordStatus(ctx, first); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if err := j.RecordStatus(ctx, second); err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}

	upd, err := j.LatestStatus(ctx, "U1")
	if err != nil {
		t.Fatalf("LatestStatus: %v", err)
	}
	if upd.Status != "Valid" {
		t.Fatalf("expected latest status Valid, got %q", upd.Status)
	}
}

func TestRecordSubmissionRequiresUUID(t *testing.T) {
	j := NewInMemory()
	err := j.RecordSubmission(context.Background(), ereceipt.CredentialSet{}, ereceipt.SubmissionOutcome{})
	if err == nil {
		t.Fatal("expected error for missing submission uuid")
	}
}
