package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"etabridge.org/internal/ereceipt"
	"etabridge.org/internal/ids"
	"etabridge.org/internal/journal"
)

// Store persists the submission journal in Postgres.
type Store struct {
	db *sql.DB
}

var _ journal.Journal = (*Store)(nil)

// Open connects with pooled defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool (used by tests with sqlmock).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) RecordSubmission(ctx context.Context, creds ereceipt.CredentialSet, out ereceipt.SubmissionOutcome) error {
	if out.SubmissionUUID == "" {
		return errors.New("pg: submission uuid is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into submissions(id, submission_uuid, client_id, pos_serial, submitted_at)
		values ($1,$2,$3,$4, now())
		on conflict (submission_uuid) do nothing
	`, ids.New(), out.SubmissionUUID, creds.ClientID, creds.PosSerial); err != nil {
		return err
	}

	for _, acc := range out.Accepted {
		if _, err := tx.ExecContext(ctx, `
			insert into submission_documents(submission_uuid, receipt_number, uuid, long_id, accepted)
			values ($1,$2,$3,$4,true)
		`, out.SubmissionUUID, acc.ReceiptNumber, acc.UUID, acc.LongID); err != nil {
			return err
		}
	}
	for _, rej := range out.Rejected {
		detail, err := json.Marshal(rej.Error)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into submission_documents(submission_uuid, receipt_number, uuid, accepted, error_detail)
			values ($1,$2,$3,false,$4)
		`, out.SubmissionUUID, rej.ReceiptNumber, rej.UUID, detail); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) RecordStatus(ctx context.Context, snap ereceipt.ReceiptStatusSnapshot) error {
	if snap.UUID == "" {
		return errors.New("pg: receipt uuid is required")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into receipt_statuses(uuid, status, reason, observed_at)
		values ($1,$2,$3, now())
		on conflict (uuid) do update
		set status = excluded.status, reason = excluded.reason, observed_at = excluded.observed_at
	`, snap.UUID, snap.Status, snap.StatusReason)
	return err
}

func (s *Store) Submission(ctx context.Context, submissionUUID string) (journal.Entry, error) {
	var entry journal.Entry
	err := s.db.QueryRowContext(ctx, `
		select id, submission_uuid, client_id, pos_serial, submitted_at
		from submissions where submission_uuid = $1
	`, submissionUUID).Scan(&entry.ID, &entry.SubmissionUUID, &entry.ClientID, &entry.PosSerial, &entry.SubmittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Entry{}, journal.ErrNotFound
	}
	if err != nil {
		return journal.Entry{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select receipt_number, coalesce(uuid,''), coalesce(long_id,''), accepted, coalesce(error_detail,'{}')
		from submission_documents where submission_uuid = $1
		order by receipt_number
	`, submissionUUID)
	if err != nil {
		return journal.Entry{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			receiptNumber, uuid, longID string
			accepted                    bool
			detail                      []byte
		)
		if err := rows.Scan(&receiptNumber, &uuid, &longID, &accepted, &detail); err != nil {
			return journal.Entry{}, err
		}
		if accepted {
			entry.Accepted = append(entry.Accepted, ereceipt.AcceptedDocument{
				UUID: uuid, LongID: longID, ReceiptNumber: receiptNumber,
			})
			continue
		}
		var ed ereceipt.ErrorDetail
		_ = json.Unmarshal(detail, &ed)
		entry.Rejected = append(entry.Rejected, ereceipt.RejectedDocument{
			ReceiptNumber: receiptNumber, UUID: uuid, Error: ed,
		})
	}
	return entry, rows.Err()
}

func (s *Store) LatestStatus(ctx context.Context, uuid string) (journal.StatusUpdate, error) {
	var upd journal.StatusUpdate
	err := s.db.QueryRowContext(ctx, `
		select uuid, status, coalesce(reason,''), observed_at
		from receipt_statuses where uuid = $1
	`, uuid).Scan(&upd.UUID, &upd.Status, &upd.Reason, &upd.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.StatusUpdate{}, journal.ErrNotFound
	}
	if err != nil {
		return journal.StatusUpdate{}, err
	}
	return upd, nil
}
