package ereceipt

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CredentialSet identifies a POS client towards the authority's identity
// service. Immutable once constructed; the (ClientID, PosSerial) pair is the
// credential identity used as token cache key.
type CredentialSet struct {
	ClientID          string `json:"clientId"`
	ClientSecret      string `json:"clientSecret"`
	PosSerial         string `json:"posSerial"`
	PosOSVersion      string `json:"posOsVersion,omitempty"`
	PosModelFramework string `json:"posModelFramework,omitempty"`
	PresharedKey      string `json:"presharedKey"`
}

// Identity returns the cache key for this credential set.
func (c CredentialSet) Identity() string {
	return c.ClientID + "/" + c.PosSerial
}

// AccessToken is a bearer capability issued by the identity service.
// It is owned by the TokenCache and must never be logged in full.
type AccessToken struct {
	Value     string
	TokenType string
	ExpiresAt time.Time
	Scope     string
}

// ValidAt reports whether the token is usable at the given instant while
// keeping the safety margin before the hard expiry.
func (t AccessToken) ValidAt(now time.Time, margin time.Duration) bool {
	if t.Value == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// Fingerprint returns a short non-reversible identifier safe for logs.
func (t AccessToken) Fingerprint() string {
	if t.Value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(t.Value))
	return hex.EncodeToString(sum[:4])
}

// TokenMetadata is the loggable subset of an access token.
type TokenMetadata struct {
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
	Scope     string    `json:"scope,omitempty"`
}

// Metadata strips the secret value.
func (t AccessToken) Metadata() TokenMetadata {
	return TokenMetadata{TokenType: t.TokenType, ExpiresAt: t.ExpiresAt, Scope: t.Scope}
}

// Signature types accepted by the authority.
const (
	SignatureIssuer          = "I"
	SignatureServiceProvider = "S"
)

// ReceiptDocument is one receipt in a submission batch. ReceiptNumber is the
// caller-assigned correlation id, unique within a batch; UUID is assigned by
// the authority after acceptance.
type ReceiptDocument struct {
	ReceiptNumber string         `json:"receiptNumber"`
	UUID          string         `json:"uuid,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// DocumentSignature carries a CAdES-BES base64 signature blob.
type DocumentSignature struct {
	SignatureType string `json:"signatureType"`
	Value         string `json:"value"`
}

// SubmissionBatch is submitted to the authority in one remote call.
type SubmissionBatch struct {
	Documents  []ReceiptDocument   `json:"receipts"`
	Signatures []DocumentSignature `json:"signatures"`
}

// AcceptedDocument is the authority's acknowledgement of one receipt.
type AcceptedDocument struct {
	UUID          string `json:"uuid"`
	LongID        string `json:"longId"`
	ReceiptNumber string `json:"receiptNumber"`
}

// ErrorDetail mirrors the authority's recursive validation error tree.
type ErrorDetail struct {
	Message      string        `json:"message"`
	Target       string        `json:"target,omitempty"`
	PropertyPath string        `json:"propertyPath,omitempty"`
	Details      []ErrorDetail `json:"details,omitempty"`
}

// RejectedDocument carries the reason a specific receipt was not accepted.
// Rejection is normal domain data, not a failure of the submission.
type RejectedDocument struct {
	ReceiptNumber string      `json:"receiptNumber"`
	UUID          string      `json:"uuid,omitempty"`
	Error         ErrorDetail `json:"error"`
}

// SubmissionOutcome is the normalized result of one batch submission.
// Every input document appears in exactly one of Accepted/Rejected, matched
// by receipt number.
type SubmissionOutcome struct {
	SubmissionUUID string             `json:"submissionUUID"`
	Accepted       []AcceptedDocument `json:"acceptedDocuments"`
	Rejected       []RejectedDocument `json:"rejectedDocuments"`
}

// HistoryEntry is one row of the receipt's status history.
type HistoryEntry struct {
	Date           time.Time `json:"date"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	SubmissionUUID string    `json:"submissionUuid,omitempty"`
	CanceledBy     string    `json:"canceledBy,omitempty"`
}

// ReceiptStatusSnapshot is the authority's current view of one receipt.
// Fetched fresh on every reconciliation; never cached.
type ReceiptStatusSnapshot struct {
	UUID              string         `json:"uuid"`
	LongID            string         `json:"longId,omitempty"`
	ReceiptNumber     string         `json:"receiptNumber,omitempty"`
	Status            string         `json:"status"`
	StatusReason      string         `json:"statusReason,omitempty"`
	SubmissionUUID    string         `json:"submissionUUID,omitempty"`
	SubmissionChannel string         `json:"submissionChannel,omitempty"`
	PreviousUUID      string         `json:"previousUUID,omitempty"`
	ReferenceUUID     string         `json:"referenceUUID,omitempty"`
	MaxPrecision      float64        `json:"maxPrecision,omitempty"`
	DateTimeIssued    time.Time      `json:"dateTimeIssued,omitempty"`
	DateTimeReceived  time.Time      `json:"dateTimeReceived,omitempty"`
	History           []HistoryEntry `json:"history,omitempty"`
}

// Lifecycle is the normalized view of the authority's open-ended status
// vocabulary.
type Lifecycle string

const (
	LifecyclePending Lifecycle = "pending"
	LifecycleValid   Lifecycle = "valid"
	LifecycleInvalid Lifecycle = "invalid"
	LifecycleUnknown Lifecycle = "unknown"
)

// Terminal reports whether further polling can change the state.
func (l Lifecycle) Terminal() bool {
	return l == LifecycleValid || l == LifecycleInvalid
}
