package ereceipt

import (
	"context"
	"time"
)

// Gateway performs the remote eReceipt operations. Implementations are pure
// protocol adapters: one outbound request per call, no retries, no caching.
// Retry policy lives in the orchestrator.
type Gateway interface {
	// Authenticate exchanges credentials for a bearer token via the
	// client-credentials grant. Fails with *AuthError.
	Authenticate(ctx context.Context, creds CredentialSet) (AccessToken, error)

	// SubmitBatch submits all documents of a batch in one call. Fails with
	// *SubmissionError. Per-document rejections come back inside a
	// successful SubmissionOutcome.
	SubmitBatch(ctx context.Context, batch SubmissionBatch, token AccessToken) (SubmissionOutcome, error)

	// FetchStatus retrieves the current status of a previously submitted
	// receipt. A zero issuedAt omits the hint. Fails with *LookupError.
	FetchStatus(ctx context.Context, uuid string, token AccessToken, issuedAt time.Time) (ReceiptStatusSnapshot, error)
}

// Recorder persists submission results and status observations for later
// reconciliation. Implementations live in internal/journal and
// internal/store/pg; recording failures never fail the flow that produced
// the data.
type Recorder interface {
	RecordSubmission(ctx context.Context, creds CredentialSet, out SubmissionOutcome) error
	RecordStatus(ctx context.Context, snap ReceiptStatusSnapshot) error
}
