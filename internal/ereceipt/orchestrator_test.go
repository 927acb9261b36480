package ereceipt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRecorder struct {
	mu          sync.Mutex
	submissions []SubmissionOutcome
	statuses    []ReceiptStatusSnapshot
}

func (r *fakeRecorder) RecordSubmission(ctx context.Context, creds CredentialSet, out SubmissionOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions = append(r.submissions, out)
	return nil
}

func (r *fakeRecorder) RecordStatus(ctx context.Context, snap ReceiptStatusSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, snap)
	return nil
}

func pollConfig() Config {
	return Config{
		PollInitialBackoff: time.Millisecond,
		PollMaxBackoff:     4 * time.Millisecond,
		PollMaxAttempts:    5,
	}
}

func TestAuthenticateAndSubmit(t *testing.T) {
	gw := &fakeGateway{
		authFn: func(call int, creds CredentialSet) (AccessToken, error) {
			if creds.ClientID != "c1" || creds.ClientSecret != "s1" ||
				creds.PosSerial != "P1" || creds.PresharedKey != "k1" {
				t.Errorf("credentials not passed through: %+v", creds)
			}
			return AccessToken{Value: "tok", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
		submitFn: func(call int, batch SubmissionBatch, token AccessToken) (SubmissionOutcome, error) {
			if token.Value != "tok" {
				t.Errorf("submission used token %q", token.Value)
			}
			return SubmissionOutcome{
				SubmissionUUID: "SUB-1",
				Accepted:       []AcceptedDocument{{UUID: "U1", LongID: "L1", ReceiptNumber: "R-001"}},
			}, nil
		},
	}
	rec := &fakeRecorder{}
	orch := NewOrchestrator(gw, Config{}, WithRecorder(rec))

	res, err := orch.AuthenticateAndSubmit(context.Background(), testCreds(), docBatch("R-001"))
	if err != nil {
		t.Fatalf("AuthenticateAndSubmit: %v", err)
	}
	if len(res.Outcome.Accepted) != 1 || res.Outcome.Accepted[0].UUID != "U1" {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
	if res.Token.TokenType != "Bearer" || res.Token.ExpiresAt.IsZero() {
		t.Fatalf("token metadata missing: %+v", res.Token)
	}
	if auth, submits := gw.counts(); auth != 1 || submits != 1 {
		t.Fatalf("expected 1 auth + 1 submit, got %d/%d", auth, submits)
	}
	if len(rec.submissions) != 1 {
		t.Fatalf("journal not written: %d entries", len(rec.submissions))
	}
}

func TestAuthFailureSkipsSubmission(t *testing.T) {
	gw := &fakeGateway{
		authFn: func(call int, creds CredentialSet) (AccessToken, error) {
			return AccessToken{}, &AuthError{Kind: ErrInvalidCredentials}
		},
	}
	orch := NewOrchestrator(gw, Config{})

	_, err := orch.AuthenticateAndSubmit(context.Background(), testCreds(), docBatch("R-001"))
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, submits := gw.counts(); submits != 0 {
		t.Fatalf("submission attempted after auth failure: %d calls", submits)
	}
}

func TestUnauthorizedSubmissionRetriesOnce(t *testing.T) {
	gw := &fakeGateway{
		submitFn: func(call int, batch SubmissionBatch, token AccessToken) (SubmissionOutcome, error) {
			if call == 1 {
				return SubmissionOutcome{}, &SubmissionError{Kind: ErrUnauthorized}
			}
			return SubmissionOutcome{
				SubmissionUUID: "SUB-1",
				Accepted:       []AcceptedDocument{{UUID: "U1", LongID: "L1", ReceiptNumber: "R-001"}},
			}, nil
		},
	}
	orch := NewOrchestrator(gw, Config{})

	res, err := orch.AuthenticateAndSubmit(context.Background(), testCreds(), docBatch("R-001"))
	if err != nil {
		t.Fatalf("retry after forced refresh should succeed: %v", err)
	}
	if len(res.Outcome.Accepted) != 1 {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
	auth, submits := gw.counts()
	if submits != 2 {
		t.Fatalf("expected exactly 2 submissions, got %d", submits)
	}
	if auth != 2 {
		t.Fatalf("expected a forced refresh before the retry, got %d auth calls", auth)
	}
}

func TestUnauthorizedSubmissionRetriesOnlyOnce(t *testing.T) {
	gw := &fakeGateway{
		submitFn: func(call int, batch SubmissionBatch, token AccessToken) (SubmissionOutcome, error) {
			return SubmissionOutcome{}, &SubmissionError{Kind: ErrUnauthorized}
		},
	}
	orch := NewOrchestrator(gw, Config{})

	_, err := orch.AuthenticateAndSubmit(context.Background(), testCreds(), docBatch("R-001"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, submits := gw.counts(); submits != 2 {
		t.Fatalf("expected exactly 2 submissions, got %d", submits)
	}
}

func TestTransportFailureIsNotRetried(t *testing.T) {
	gw := &fakeGateway{
		submitFn: func(call int, batch SubmissionBatch, token AccessToken) (SubmissionOutcome, error) {
			return SubmissionOutcome{}, &SubmissionError{Kind: ErrTransport, Err: errors.New("dial tcp: timeout")}
		},
	}
	orch := NewOrchestrator(gw, Config{})

	_, err := orch.AuthenticateAndSubmit(context.Background(), testCreds(), docBatch("R-001"))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, submits := gw.counts(); submits != 1 {
		t.Fatalf("transport errors must not be retried, got %d submissions", submits)
	}
}

func TestPollStatusesReachesTerminal(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(call int, uuid string) (ReceiptStatusSnapshot, error) {
			if call < 3 {
				return ReceiptStatusSnapshot{UUID: uuid, Status: "Received"}, nil
			}
			return ReceiptStatusSnapshot{UUID: uuid, Status: "Valid"}, nil
		},
	}
	rec := &fakeRecorder{}
	orch := NewOrchestrator(gw, pollConfig(), WithRecorder(rec))

	results := orch.PollStatuses(context.Background(), testCreds(), "U1")
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if res.Err != nil {
		t.Fatalf("poll: %v", res.Err)
	}
	if res.State != LifecycleValid || res.Attempts != 3 {
		t.Fatalf("state=%q attempts=%d, want valid after 3", res.State, res.Attempts)
	}
	if len(rec.statuses) != 1 || rec.statuses[0].UUID != "U1" {
		t.Fatalf("terminal status not journaled: %+v", rec.statuses)
	}
}

func TestPollStatusesBudgetExhaustedIsPending(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(call int, uuid string) (ReceiptStatusSnapshot, error) {
			return ReceiptStatusSnapshot{UUID: uuid, Status: "Received"}, nil
		},
	}
	orch := NewOrchestrator(gw, pollConfig())

	res := orch.PollStatuses(context.Background(), testCreds(), "U1")[0]
	if res.Err != nil {
		t.Fatalf("a still-pending receipt is a result, not an error: %v", res.Err)
	}
	if res.State != LifecyclePending {
		t.Fatalf("state = %q, want pending", res.State)
	}
	if res.Attempts != pollConfig().PollMaxAttempts {
		t.Fatalf("attempts = %d, want the full budget of %d", res.Attempts, pollConfig().PollMaxAttempts)
	}
}

func TestPollStatusesIndependentPerUUID(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(call int, uuid string) (ReceiptStatusSnapshot, error) {
			switch uuid {
			case "U-missing":
				return ReceiptStatusSnapshot{}, &LookupError{UUID: uuid, Kind: ErrNotFound}
			case "U-slow":
				return ReceiptStatusSnapshot{UUID: uuid, Status: "Received"}, nil
			default:
				return ReceiptStatusSnapshot{UUID: uuid, Status: "Valid"}, nil
			}
		},
	}
	orch := NewOrchestrator(gw, pollConfig())

	results := orch.PollStatuses(context.Background(), testCreds(), "U-missing", "U-slow", "U-valid")
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// results preserve input order
	if results[0].UUID != "U-missing" || results[1].UUID != "U-slow" || results[2].UUID != "U-valid" {
		t.Fatalf("order not preserved: %q %q %q", results[0].UUID, results[1].UUID, results[2].UUID)
	}
	if !errors.Is(results[0].Err, ErrNotFound) {
		t.Fatalf("U-missing: expected not found, got %v", results[0].Err)
	}
	if results[1].Err != nil || results[1].State != LifecyclePending {
		t.Fatalf("U-slow: err=%v state=%q, want pending without error", results[1].Err, results[1].State)
	}
	if results[2].Err != nil || results[2].State != LifecycleValid {
		t.Fatalf("U-valid: err=%v state=%q, want valid", results[2].Err, results[2].State)
	}
	if gw.statusCalls["U-missing"] != 1 {
		t.Fatalf("not found is terminal for its uuid, got %d lookups", gw.statusCalls["U-missing"])
	}
}

func TestPollStatusesTransientTransportRetried(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(call int, uuid string) (ReceiptStatusSnapshot, error) {
			if call == 1 {
				return ReceiptStatusSnapshot{}, &LookupError{UUID: uuid, Kind: ErrTransport, Err: errors.New("i/o timeout")}
			}
			return ReceiptStatusSnapshot{UUID: uuid, Status: "Valid"}, nil
		},
	}
	orch := NewOrchestrator(gw, pollConfig())

	res := orch.PollStatuses(context.Background(), testCreds(), "U1")[0]
	if res.Err != nil {
		t.Fatalf("transient transport failure should be absorbed: %v", res.Err)
	}
	if res.State != LifecycleValid || res.Attempts != 2 {
		t.Fatalf("state=%q attempts=%d, want valid on attempt 2", res.State, res.Attempts)
	}
}

func TestPollStatusesContextCancellation(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(call int, uuid string) (ReceiptStatusSnapshot, error) {
			return ReceiptStatusSnapshot{UUID: uuid, Status: "Received"}, nil
		},
	}
	cfg := pollConfig()
	cfg.PollInitialBackoff = time.Hour
	orch := NewOrchestrator(gw, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := orch.PollStatuses(ctx, testCreds(), "U1")[0]
	if time.Since(start) > time.Second {
		t.Fatal("cancellation did not interrupt the backoff sleep")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context cancellation surfaced, got %v", res.Err)
	}
}
