package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"etabridge.org/internal/ereceipt"
	"etabridge.org/internal/ids"
)

var ErrNotFound = errors.New("journal: not found")

// Entry records one batch submission for later reconciliation.
type Entry struct {
	ID             string                      `json:"id"`
	SubmissionUUID string                      `json:"submissionUuid"`
	ClientID       string                      `json:"clientId"`
	PosSerial      string                      `json:"posSerial"`
	SubmittedAt    time.Time                   `json:"submittedAt"`
	Accepted       []ereceipt.AcceptedDocument `json:"accepted"`
	Rejected       []ereceipt.RejectedDocument `json:"rejected"`
}

// StatusUpdate is the latest observed authority status for one receipt.
type StatusUpdate struct {
	UUID       string    `json:"uuid"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// Journal persists submissions and status observations.
type Journal interface {
	ereceipt.Recorder
	Submission(ctx context.Context, submissionUUID string) (Entry, error)
	LatestStatus(ctx context.Context, uuid string) (StatusUpdate, error)
}

// InMemory implements Journal with in-process concurrency safety. Used when
// no database is configured and in tests.
type InMemory struct {
	mu       sync.RWMutex
	entries  map[string]Entry        // submissionUUID -> entry
	statuses map[string]StatusUpdate // receipt uuid -> latest
	now      func() time.Time
}

// NewInMemory creates an empty journal.
func NewInMemory() *InMemory {
	return &InMemory{
		entries:  make(map[string]Entry),
		statuses: make(map[string]StatusUpdate),
		now:      time.Now,
	}
}

var _ Journal = (*InMemory)(nil)

func (j *InMemory) RecordSubmission(ctx context.Context, creds ereceipt.CredentialSet, out ereceipt.SubmissionOutcome) error {
	if out.SubmissionUUID == "" {
		return errors.New("journal: submission uuid is required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[out.SubmissionUUID] = Entry{
		ID:             ids.New(),
		SubmissionUUID: out.SubmissionUUID,
		ClientID:       creds.ClientID,
		PosSerial:      creds.PosSerial,
		SubmittedAt:    j.now().UTC(),
		Accepted:       append([]ereceipt.AcceptedDocument(nil), out.Accepted...),
		Rejected:       append([]ereceipt.RejectedDocument(nil), out.Rejected...),
	}
	return nil
}

func (j *InMemory) RecordStatus(ctx context.Context, snap ereceipt.ReceiptStatusSnapshot) error {
	if snap.UUID == "" {
		return errors.New("journal: receipt uuid is required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statuses[snap.UUID] = StatusUpdate{
		UUID:       snap.UUID,
		Status:     snap.Status,
		Reason:     snap.StatusReason,
		ObservedAt: j.now().UTC(),
	}
	return nil
}

func (j *InMemory) Submission(ctx context.Context, submissionUUID string) (Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	entry, ok := j.entries[submissionUUID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (j *InMemory) LatestStatus(ctx context.Context, uuid string) (StatusUpdate, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	upd, ok := j.statuses[uuid]
	if !ok {
		return StatusUpdate{}, ErrNotFound
	}
	return upd, nil
}
