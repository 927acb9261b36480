package ereceipt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func docBatch(receiptNumbers ...string) SubmissionBatch {
	batch := SubmissionBatch{
		Signatures: []DocumentSignature{{SignatureType: SignatureIssuer, Value: "c2ln"}},
	}
	for _, n := range receiptNumbers {
		batch.Documents = append(batch.Documents, ReceiptDocument{ReceiptNumber: n})
	}
	return batch
}

func numbered(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("R-%03d", i+1)
	}
	return out
}

func TestValidate(t *testing.T) {
	coord := NewCoordinator(&fakeGateway{}, 0)

	oversize := docBatch(numbered(DefaultMaxBatchSize + 1)...)
	atLimit := docBatch(numbered(DefaultMaxBatchSize)...)
	noSignature := docBatch("R-001")
	noSignature.Signatures = nil
	threeSignatures := docBatch("R-001")
	threeSignatures.Signatures = []DocumentSignature{
		{SignatureType: SignatureIssuer, Value: "a"},
		{SignatureType: SignatureServiceProvider, Value: "b"},
		{SignatureType: SignatureIssuer, Value: "c"},
	}

	cases := []struct {
		name      string
		batch     SubmissionBatch
		wantField string
	}{
		{name: "single document", batch: docBatch("R-001")},
		{name: "at batch limit", batch: atLimit},
		{name: "two signatures", batch: SubmissionBatch{
			Documents: []ReceiptDocument{{ReceiptNumber: "R-001"}},
			Signatures: []DocumentSignature{
				{SignatureType: SignatureIssuer, Value: "a"},
				{SignatureType: SignatureServiceProvider, Value: "b"},
			},
		}},
		{name: "empty batch", batch: SubmissionBatch{}, wantField: "receipts"},
		{name: "over batch limit", batch: oversize, wantField: "receipts"},
		{name: "empty receipt number", batch: docBatch("R-001", ""), wantField: "receipts[1].receiptNumber"},
		{name: "duplicate receipt number", batch: docBatch("R-001", "R-002", "R-001"), wantField: "receipts[2].receiptNumber"},
		{name: "no signatures", batch: noSignature, wantField: "signatures"},
		{name: "three signatures", batch: threeSignatures, wantField: "signatures"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := coord.Validate(tc.batch)
			if tc.wantField == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if verr.Field != tc.wantField {
				t.Fatalf("field = %q, want %q", verr.Field, tc.wantField)
			}
		})
	}
}

func TestSubmitValidationSkipsNetwork(t *testing.T) {
	gw := &fakeGateway{}
	coord := NewCoordinator(gw, 0)

	_, err := coord.Submit(context.Background(), SubmissionBatch{}, AccessToken{Value: "t"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if _, submits := gw.counts(); submits != 0 {
		t.Fatalf("invalid batch must not reach the gateway, got %d calls", submits)
	}
}

func TestSubmitSynthesizesMissingOutcomes(t *testing.T) {
	gw := &fakeGateway{
		submitFn: func(call int, batch SubmissionBatch, token AccessToken) (SubmissionOutcome, error) {
			// the authority accounts for only one of two documents
			return SubmissionOutcome{
				SubmissionUUID: "SUB-1",
				Accepted: []AcceptedDocument{
					{UUID: "U1", LongID: "L1", ReceiptNumber: "R-001"},
				},
			}, nil
		},
	}
	coord := NewCoordinator(gw, 0)

	out, err := coord.Submit(context.Background(), docBatch("R-001", "R-002"), AccessToken{Value: "t"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(out.Accepted)+len(out.Rejected) != 2 {
		t.Fatalf("completeness violated: %d accepted + %d rejected for 2 documents",
			len(out.Accepted), len(out.Rejected))
	}
	if len(out.Rejected) != 1 || out.Rejected[0].ReceiptNumber != "R-002" {
		t.Fatalf("expected synthesized rejection for R-002, got %+v", out.Rejected)
	}
	if !strings.Contains(out.Rejected[0].Error.Message, "no outcome") {
		t.Fatalf("synthesized rejection message = %q", out.Rejected[0].Error.Message)
	}
}

func TestSubmitPartialRejectionIsNotAnError(t *testing.T) {
	gw := &fakeGateway{
		submitFn: func(call int, batch SubmissionBatch, token AccessToken) (SubmissionOutcome, error) {
			return SubmissionOutcome{
				SubmissionUUID: "SUB-1",
				Accepted: []AcceptedDocument{
					{UUID: "U1", LongID: "L1", ReceiptNumber: "R-001"},
				},
				Rejected: []RejectedDocument{
					{ReceiptNumber: "R-002", Error: ErrorDetail{
						Message: "structure invalid",
						Details: []ErrorDetail{{Message: "totalAmount mismatch", PropertyPath: "totalAmount"}},
					}},
				},
			}, nil
		},
	}
	coord := NewCoordinator(gw, 0)

	out, err := coord.Submit(context.Background(), docBatch("R-001", "R-002"), AccessToken{Value: "t"})
	if err != nil {
		t.Fatalf("a partially rejected batch must not fail: %v", err)
	}
	if len(out.Accepted) != 1 || len(out.Rejected) != 1 {
		t.Fatalf("outcome reshaped: %d accepted, %d rejected", len(out.Accepted), len(out.Rejected))
	}
	if len(out.Rejected[0].Error.Details) != 1 {
		t.Fatal("nested error detail was dropped")
	}
}

func TestSubmitGatewayErrorPropagates(t *testing.T) {
	gw := &fakeGateway{
		submitFn: func(call int, batch SubmissionBatch, token AccessToken) (SubmissionOutcome, error) {
			return SubmissionOutcome{}, &SubmissionError{Kind: ErrTransport, Err: errors.New("connection reset")}
		},
	}
	coord := NewCoordinator(gw, 0)

	_, err := coord.Submit(context.Background(), docBatch("R-001"), AccessToken{Value: "t"})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
