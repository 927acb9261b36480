package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"etabridge.org/internal/ereceipt"
	"etabridge.org/internal/obs"
)

const (
	grantType         = "client_credentials"
	defaultOSVersion  = "WinPOS"
	defaultTimeout    = 30 * time.Second
	issuedAtLayout    = "2006-01-02T15:04:05.000Z"
	defaultTokenTTL   = time.Hour
	maxErrorBodyBytes = 2048
)

// Client is the HTTP protocol adapter for the authority's eReceipt API.
// Stateless: one outbound request per call, no retries, no token caching.
type Client struct {
	httpClient  *http.Client
	identityURL string
	apiBaseURL  string
	limiter     *rate.Limiter
	now         func() time.Time
}

var _ ereceipt.Gateway = (*Client)(nil)

// ClientOption configures Client behavior.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit throttles outbound calls; the authority applies per-client
// rate limits.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

// New constructs a Client for the given identity service URL and invoicing
// API base URL.
func New(identityURL, apiBaseURL string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: defaultTimeout},
		identityURL: strings.TrimRight(identityURL, "/"),
		apiBaseURL:  strings.TrimRight(apiBaseURL, "/"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Authenticate sends the client-credentials grant with the POS headers the
// authority requires.
func (c *Client) Authenticate(ctx context.Context, creds ereceipt.CredentialSet) (ereceipt.AccessToken, error) {
	if err := c.wait(ctx); err != nil {
		return ereceipt.AccessToken{}, &ereceipt.AuthError{Kind: ereceipt.ErrTransport, Err: err}
	}

	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.identityURL, strings.NewReader(form.Encode()))
	if err != nil {
		return ereceipt.AccessToken{}, &ereceipt.AuthError{Kind: ereceipt.ErrTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	osVersion := creds.PosOSVersion
	if osVersion == "" {
		osVersion = defaultOSVersion
	}
	req.Header.Set("posserial", creds.PosSerial)
	req.Header.Set("pososversion", osVersion)
	req.Header.Set("posmodelframework", creds.PosModelFramework)
	req.Header.Set("presharedkey", creds.PresharedKey)

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		obs.ObserveRemoteCall("authenticate", "transport_error", time.Since(start))
		return ereceipt.AccessToken{}, &ereceipt.AuthError{Kind: ereceipt.ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		obs.ObserveRemoteCall("authenticate", "transport_error", time.Since(start))
		return ereceipt.AccessToken{}, &ereceipt.AuthError{Kind: ereceipt.ErrTransport, Err: err}
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		obs.ObserveRemoteCall("authenticate", "rejected", time.Since(start))
		return ereceipt.AccessToken{}, &ereceipt.AuthError{
			Kind: ereceipt.ErrInvalidCredentials,
			Err:  httpStatusError(resp.StatusCode, body),
		}
	}
	if resp.StatusCode != http.StatusOK {
		obs.ObserveRemoteCall("authenticate", "transport_error", time.Since(start))
		return ereceipt.AccessToken{}, &ereceipt.AuthError{
			Kind: ereceipt.ErrTransport,
			Err:  httpStatusError(resp.StatusCode, body),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		obs.ObserveRemoteCall("authenticate", "transport_error", time.Since(start))
		return ereceipt.AccessToken{}, &ereceipt.AuthError{
			Kind: ereceipt.ErrTransport,
			Err:  fmt.Errorf("token response not parsable: %w", err),
		}
	}

	obs.ObserveRemoteCall("authenticate", "ok", time.Since(start))
	return ereceipt.AccessToken{
		Value:     tr.AccessToken,
		TokenType: tr.TokenType,
		ExpiresAt: c.tokenExpiry(tr),
		Scope:     tr.Scope,
	}, nil
}

// tokenExpiry derives the absolute expiry: expires_in when present,
// otherwise the exp claim of the JWT (we hold the token as a capability and
// are not its verifier), otherwise the authority's usual one hour.
func (c *Client) tokenExpiry(tr tokenResponse) time.Time {
	if tr.ExpiresIn > 0 {
		return c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	token, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, jwt.MapClaims{})
	if err == nil {
		if exp, err := token.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return c.now().Add(defaultTokenTTL)
}

// SubmitBatch posts the batch to /api/v1/receiptsubmissions with bearer
// auth. The authority answers 202 Accepted with per-document outcomes.
func (c *Client) SubmitBatch(ctx context.Context, batch ereceipt.SubmissionBatch, token ereceipt.AccessToken) (ereceipt.SubmissionOutcome, error) {
	if err := c.wait(ctx); err != nil {
		return ereceipt.SubmissionOutcome{}, &ereceipt.SubmissionError{Kind: ereceipt.ErrTransport, Err: err}
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return ereceipt.SubmissionOutcome{}, &ereceipt.SubmissionError{Kind: ereceipt.ErrTransport, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBaseURL+"/api/v1/receiptsubmissions", bytes.NewReader(payload))
	if err != nil {
		return ereceipt.SubmissionOutcome{}, &ereceipt.SubmissionError{Kind: ereceipt.ErrTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Value)

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		obs.ObserveRemoteCall("submit", "transport_error", time.Since(start))
		return ereceipt.SubmissionOutcome{}, &ereceipt.SubmissionError{Kind: ereceipt.ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		obs.ObserveRemoteCall("submit", "transport_error", time.Since(start))
		return ereceipt.SubmissionOutcome{}, &ereceipt.SubmissionError{Kind: ereceipt.ErrTransport, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		obs.ObserveRemoteCall("submit", "unauthorized", time.Since(start))
		return ereceipt.SubmissionOutcome{}, &ereceipt.SubmissionError{
			Kind: ereceipt.ErrUnauthorized,
			Err:  httpStatusError(resp.StatusCode, body),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		obs.ObserveRemoteCall("submit", "transport_error", time.Since(start))
		return ereceipt.SubmissionOutcome{}, &ereceipt.SubmissionError{
			Kind: ereceipt.ErrTransport,
			Err:  httpStatusError(resp.StatusCode, body),
		}
	}

	var out ereceipt.SubmissionOutcome
	if err := json.Unmarshal(body, &out); err != nil {
		obs.ObserveRemoteCall("submit", "malformed", time.Since(start))
		return ereceipt.SubmissionOutcome{}, &ereceipt.SubmissionError{
			Kind: ereceipt.ErrMalformedResponse,
			Err:  err,
		}
	}

	obs.ObserveRemoteCall("submit", "ok", time.Since(start))
	return out, nil
}

// FetchStatus retrieves the receipt details; a non-zero issuedAt is passed
// as the dateTimeIssued hint the authority accepts.
func (c *Client) FetchStatus(ctx context.Context, uuid string, token ereceipt.AccessToken, issuedAt time.Time) (ereceipt.ReceiptStatusSnapshot, error) {
	if err := c.wait(ctx); err != nil {
		return ereceipt.ReceiptStatusSnapshot{}, &ereceipt.LookupError{UUID: uuid, Kind: ereceipt.ErrTransport, Err: err}
	}

	u := c.apiBaseURL + "/api/v1/receipts/" + url.PathEscape(uuid) + "/details"
	if !issuedAt.IsZero() {
		u += "?dateTimeIssued=" + url.QueryEscape(issuedAt.UTC().Format(issuedAtLayout))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ereceipt.ReceiptStatusSnapshot{}, &ereceipt.LookupError{UUID: uuid, Kind: ereceipt.ErrTransport, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		obs.ObserveRemoteCall("status", "transport_error", time.Since(start))
		return ereceipt.ReceiptStatusSnapshot{}, &ereceipt.LookupError{UUID: uuid, Kind: ereceipt.ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		obs.ObserveRemoteCall("status", "transport_error", time.Since(start))
		return ereceipt.ReceiptStatusSnapshot{}, &ereceipt.LookupError{UUID: uuid, Kind: ereceipt.ErrTransport, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		obs.ObserveRemoteCall("status", "not_found", time.Since(start))
		return ereceipt.ReceiptStatusSnapshot{}, &ereceipt.LookupError{UUID: uuid, Kind: ereceipt.ErrNotFound}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		obs.ObserveRemoteCall("status", "unauthorized", time.Since(start))
		return ereceipt.ReceiptStatusSnapshot{}, &ereceipt.LookupError{
			UUID: uuid, Kind: ereceipt.ErrUnauthorized,
			Err: httpStatusError(resp.StatusCode, body),
		}
	case resp.StatusCode != http.StatusOK:
		obs.ObserveRemoteCall("status", "transport_error", time.Since(start))
		return ereceipt.ReceiptStatusSnapshot{}, &ereceipt.LookupError{
			UUID: uuid, Kind: ereceipt.ErrTransport,
			Err: httpStatusError(resp.StatusCode, body),
		}
	}

	var dr detailsResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		obs.ObserveRemoteCall("status", "transport_error", time.Since(start))
		return ereceipt.ReceiptStatusSnapshot{}, &ereceipt.LookupError{
			UUID: uuid, Kind: ereceipt.ErrTransport,
			Err: fmt.Errorf("details response not parsable: %w", err),
		}
	}
	if dr.Receipt == nil {
		// the authority answers 200 with an empty envelope for receipts it
		// cannot expose
		obs.ObserveRemoteCall("status", "not_found", time.Since(start))
		return ereceipt.ReceiptStatusSnapshot{}, &ereceipt.LookupError{UUID: uuid, Kind: ereceipt.ErrNotFound}
	}

	obs.ObserveRemoteCall("status", "ok", time.Since(start))
	return dr.snapshot(uuid), nil
}

// Wire types -------------------------------------------------------------

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

type detailsResponse struct {
	SubmissionUUID    string          `json:"submissionUUID"`
	DateTimeReceived  *time.Time      `json:"dateTimeReceived"`
	DateTimeIssued    *time.Time      `json:"dateTimeIssued"`
	SubmissionChannel string          `json:"submissionChannel"`
	MaxPrecision      float64         `json:"maxPrecision"`
	Receipt           *receiptDetails `json:"receipt"`
}

type receiptDetails struct {
	UUID             string                  `json:"uuid"`
	LongID           string                  `json:"longId"`
	PreviousUUID     string                  `json:"previousUUID"`
	ReferenceUUID    string                  `json:"referenceUUID"`
	ReceiptNumber    string                  `json:"receiptNumber"`
	Status           string                  `json:"status"`
	StatusReason     string                  `json:"statusReason"`
	DateTimeIssued   *time.Time              `json:"dateTimeIssued"`
	DateTimeReceived *time.Time              `json:"dateTimeReceived"`
	History          []ereceipt.HistoryEntry `json:"history"`
}

func (dr detailsResponse) snapshot(requested string) ereceipt.ReceiptStatusSnapshot {
	r := dr.Receipt
	snap := ereceipt.ReceiptStatusSnapshot{
		UUID:              r.UUID,
		LongID:            r.LongID,
		ReceiptNumber:     r.ReceiptNumber,
		Status:            r.Status,
		StatusReason:      r.StatusReason,
		SubmissionUUID:    dr.SubmissionUUID,
		SubmissionChannel: dr.SubmissionChannel,
		PreviousUUID:      r.PreviousUUID,
		ReferenceUUID:     r.ReferenceUUID,
		MaxPrecision:      dr.MaxPrecision,
		History:           r.History,
	}
	if snap.UUID == "" {
		snap.UUID = requested
	}
	if r.DateTimeIssued != nil {
		snap.DateTimeIssued = *r.DateTimeIssued
	} else if dr.DateTimeIssued != nil {
		snap.DateTimeIssued = *dr.DateTimeIssued
	}
	if r.DateTimeReceived != nil {
		snap.DateTimeReceived = *r.DateTimeReceived
	} else if dr.DateTimeReceived != nil {
		snap.DateTimeReceived = *dr.DateTimeReceived
	}
	return snap
}

func httpStatusError(code int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBodyBytes {
		snippet = snippet[:maxErrorBodyBytes]
	}
	if snippet == "" {
		return fmt.Errorf("unexpected status %d", code)
	}
	return fmt.Errorf("unexpected status %d: %s", code, snippet)
}
