package ereceipt

import (
	"context"
	"fmt"

	"etabridge.org/internal/obs"
)

// DefaultMaxBatchSize bounds how many documents one submission may carry.
const DefaultMaxBatchSize = 10

// Coordinator validates a batch before it leaves the process, calls the
// gateway once, and normalizes the response so that every input document is
// accounted for.
type Coordinator struct {
	gw           Gateway
	maxBatchSize int
}

// NewCoordinator constructs a Coordinator; maxBatchSize <= 0 selects the
// default.
func NewCoordinator(gw Gateway, maxBatchSize int) *Coordinator {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &Coordinator{gw: gw, maxBatchSize: maxBatchSize}
}

// Validate checks the pre-submission invariants without touching the
// network. Returns *ValidationError on the first violation.
func (c *Coordinator) Validate(batch SubmissionBatch) error {
	if len(batch.Documents) == 0 {
		return &ValidationError{Field: "receipts", Message: "batch must contain at least one document"}
	}
	if len(batch.Documents) > c.maxBatchSize {
		return &ValidationError{
			Field:   "receipts",
			Message: fmt.Sprintf("batch of %d exceeds limit of %d documents", len(batch.Documents), c.maxBatchSize),
		}
	}
	seen := make(map[string]struct{}, len(batch.Documents))
	for i, doc := range batch.Documents {
		if doc.ReceiptNumber == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("receipts[%d].receiptNumber", i),
				Message: "receipt number is required",
			}
		}
		if _, dup := seen[doc.ReceiptNumber]; dup {
			return &ValidationError{
				Field:   fmt.Sprintf("receipts[%d].receiptNumber", i),
				Message: fmt.Sprintf("duplicate receipt number %q", doc.ReceiptNumber),
			}
		}
		seen[doc.ReceiptNumber] = struct{}{}
	}
	if len(batch.Signatures) == 0 {
		return &ValidationError{Field: "signatures", Message: "at least one signature is required"}
	}
	if len(batch.Signatures) > 2 {
		return &ValidationError{Field: "signatures", Message: "at most two signatures are allowed"}
	}
	return nil
}

// Submit validates the batch, performs the single gateway call and
// reconciles the response. Rejected documents are normal data in the
// returned outcome, never an error.
func (c *Coordinator) Submit(ctx context.Context, batch SubmissionBatch, token AccessToken) (SubmissionOutcome, error) {
	if err := c.Validate(batch); err != nil {
		return SubmissionOutcome{}, err
	}

	out, err := c.gw.SubmitBatch(ctx, batch, token)
	if err != nil {
		return SubmissionOutcome{}, err
	}

	out = reconcileOutcome(batch, out)
	obs.CountDocuments(len(out.Accepted), len(out.Rejected))
	return out, nil
}

// reconcileOutcome enforces the completeness invariant: every submitted
// document ends up in exactly one of accepted/rejected. Documents the
// authority silently omitted become synthesized rejections.
func reconcileOutcome(batch SubmissionBatch, out SubmissionOutcome) SubmissionOutcome {
	accounted := make(map[string]struct{}, len(batch.Documents))
	for _, acc := range out.Accepted {
		accounted[acc.ReceiptNumber] = struct{}{}
	}
	for _, rej := range out.Rejected {
		accounted[rej.ReceiptNumber] = struct{}{}
	}

	for _, doc := range batch.Documents {
		if _, ok := accounted[doc.ReceiptNumber]; ok {
			continue
		}
		obs.LogEvent("submission.outcome_missing", map[string]any{
			"receipt_number":  doc.ReceiptNumber,
			"submission_uuid": out.SubmissionUUID,
		})
		out.Rejected = append(out.Rejected, RejectedDocument{
			ReceiptNumber: doc.ReceiptNumber,
			Error:         ErrorDetail{Message: "no outcome returned for document"},
		})
	}
	return out
}
