package ereceipt

import (
	"context"
	"errors"
	"time"

	"etabridge.org/internal/audit"
	"etabridge.org/internal/obs"
)

// Config enumerates every tunable of the orchestrator in one place; it is
// passed at construction instead of being read ad hoc.
type Config struct {
	MaxBatchSize       int
	TokenSafetyMargin  time.Duration
	RefreshTimeout     time.Duration
	PollInitialBackoff time.Duration
	PollMaxBackoff     time.Duration
	PollMaxAttempts    int
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.TokenSafetyMargin <= 0 {
		c.TokenSafetyMargin = defaultSafetyMargin
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = defaultRefreshTimeout
	}
	if c.PollInitialBackoff <= 0 {
		c.PollInitialBackoff = time.Second
	}
	if c.PollMaxBackoff <= 0 {
		c.PollMaxBackoff = 30 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 5
	}
	return c
}

// Orchestrator composes the token cache, submission coordinator and status
// reconciler into the two externally visible flows.
type Orchestrator struct {
	cfg    Config
	tokens *TokenCache
	coord  *Coordinator
	recon  *Reconciler
	rec    Recorder
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithRecorder attaches a submission journal. Recording failures are logged
// and never fail the flow.
func WithRecorder(rec Recorder) Option {
	return func(o *Orchestrator) { o.rec = rec }
}

// NewOrchestrator wires the components over a single gateway.
func NewOrchestrator(gw Gateway, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg: cfg,
		tokens: NewTokenCache(gw,
			WithSafetyMargin(cfg.TokenSafetyMargin),
			WithRefreshTimeout(cfg.RefreshTimeout),
		),
		coord: NewCoordinator(gw, cfg.MaxBatchSize),
		recon: NewReconciler(gw),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Tokens exposes the cache for collaborators that need a valid token
// without submitting (the presentation layer's one-shot status endpoint).
func (o *Orchestrator) Tokens() *TokenCache { return o.tokens }

// SubmitResult is the Done state of the authenticate-then-submit flow. It
// carries token metadata only; the raw secret stays inside the cache.
type SubmitResult struct {
	Token   TokenMetadata     `json:"token"`
	Outcome SubmissionOutcome `json:"outcome"`
}

// AuthenticateAndSubmit runs the authenticate-then-submit flow. An auth
// failure aborts before any submission. A rejected token during submission
// triggers exactly one forced refresh and one resubmission; every other
// error propagates without retry.
func (o *Orchestrator) AuthenticateAndSubmit(ctx context.Context, creds CredentialSet, batch SubmissionBatch) (SubmitResult, error) {
	ctx = audit.WithIdentity(ctx, creds.Identity())

	token, err := o.tokens.GetToken(ctx, creds)
	if err != nil {
		return SubmitResult{}, err
	}

	outcome, err := o.coord.Submit(ctx, batch, token)
	if errors.Is(err, ErrUnauthorized) {
		token, err = o.tokens.ForceRefresh(ctx, creds)
		if err != nil {
			return SubmitResult{}, err
		}
		outcome, err = o.coord.Submit(ctx, batch, token)
	}
	if err != nil {
		return SubmitResult{}, err
	}

	o.record(ctx, creds, outcome)
	_ = audit.LogEvent(ctx, "submission.completed", map[string]any{
		"submission_uuid": outcome.SubmissionUUID,
		"accepted":        len(outcome.Accepted),
		"rejected":        len(outcome.Rejected),
	})

	return SubmitResult{Token: token.Metadata(), Outcome: outcome}, nil
}

func (o *Orchestrator) record(ctx context.Context, creds CredentialSet, out SubmissionOutcome) {
	if o.rec == nil {
		return
	}
	if err := o.rec.RecordSubmission(ctx, creds, out); err != nil {
		obs.LogEvent("journal.record_failed", map[string]any{
			"submission_uuid": out.SubmissionUUID,
			"error":           err.Error(),
		})
	}
}

// PollResult is the per-UUID outcome of the submit-then-poll flow. A
// non-terminal state after the attempt budget is a Pending result, not an
// error; Err is set only when the lookup itself failed for good.
type PollResult struct {
	UUID     string                `json:"uuid"`
	State    Lifecycle             `json:"state"`
	Snapshot ReceiptStatusSnapshot `json:"snapshot"`
	Attempts int                   `json:"attempts"`
	Err      error                 `json:"-"`
}

// PollStatuses polls each accepted UUID independently until it reaches a
// terminal state or the attempt budget runs out. One UUID's failure or
// timeout never blocks the others; results come back in input order.
func (o *Orchestrator) PollStatuses(ctx context.Context, creds CredentialSet, uuids ...string) []PollResult {
	ctx = audit.WithIdentity(ctx, creds.Identity())

	results := make([]PollResult, len(uuids))
	done := make(chan int, len(uuids))
	for i, uuid := range uuids {
		go func(i int, uuid string) {
			results[i] = o.pollOne(ctx, creds, uuid)
			done <- i
		}(i, uuid)
	}
	for range uuids {
		<-done
	}

	for _, res := range results {
		obs.CountPollResult(string(res.State))
	}
	return results
}

func (o *Orchestrator) pollOne(ctx context.Context, creds CredentialSet, uuid string) PollResult {
	res := PollResult{UUID: uuid, State: LifecyclePending}
	backoff := o.cfg.PollInitialBackoff

	for attempt := 1; attempt <= o.cfg.PollMaxAttempts; attempt++ {
		res.Attempts = attempt

		token, err := o.tokens.GetToken(ctx, creds)
		if err != nil {
			res.Err = err
			return res
		}

		snap, state, err := o.recon.Reconcile(ctx, uuid, token, time.Time{})
		switch {
		case err == nil:
			res.Snapshot, res.State, res.Err = snap, state, nil
			if state.Terminal() {
				o.recordStatus(ctx, snap)
				return res
			}
		case errors.Is(err, ErrTransport):
			// retried within the attempt budget
			res.Err = err
		default:
			// notFound and unauthorized are terminal for this UUID
			res.Err = err
			return res
		}

		if attempt == o.cfg.PollMaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			res.Err = &LookupError{UUID: uuid, Kind: ErrTransport, Err: ctx.Err()}
			return res
		}
		backoff *= 2
		if backoff > o.cfg.PollMaxBackoff {
			backoff = o.cfg.PollMaxBackoff
		}
	}

	if res.State != LifecycleUnknown && res.Snapshot.UUID != "" {
		// last observation was a real snapshot; budget exhaustion while
		// Pending is a normal result
		res.Err = nil
	}
	return res
}

func (o *Orchestrator) recordStatus(ctx context.Context, snap ReceiptStatusSnapshot) {
	if o.rec == nil {
		return
	}
	if err := o.rec.RecordStatus(ctx, snap); err != nil {
		obs.LogEvent("journal.status_failed", map[string]any{
			"uuid":  snap.UUID,
			"error": err.Error(),
		})
	}
}
