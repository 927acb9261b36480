package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"etabridge.org/internal/ereceipt"
	"etabridge.org/internal/journal"
	"etabridge.org/internal/obs"
)

// ReadyProbe checks readiness (ping of the journal database when present).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP presentation layer over the orchestrator. It maps the
// error taxonomy to status codes and exposes the submission journal; no
// domain logic lives here.
type API struct {
	mux        *http.ServeMux
	orch       *ereceipt.Orchestrator
	jrnl       journal.Journal
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, orch *ereceipt.Orchestrator, jrnl journal.Journal) *API {
	a := &API{
		mux:        http.NewServeMux(),
		orch:       orch,
		jrnl:       jrnl,
		readyProbe: rp,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/receipts/submissions", a.handleSubmissions)
	a.mux.HandleFunc("/v1/receipts/statuses", a.handleStatuses)
	a.mux.HandleFunc("/v1/receipts/", a.handleReceiptResource)
	a.mux.HandleFunc("/v1/submissions/", a.handleSubmissionResource)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = RequestID(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "etabridge-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "etabridge-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

type submitRequest struct {
	Credentials ereceipt.CredentialSet       `json:"credentials"`
	Receipts    []ereceipt.ReceiptDocument   `json:"receipts"`
	Signatures  []ereceipt.DocumentSignature `json:"signatures"`
}

func (a *API) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := a.orch.AuthenticateAndSubmit(r.Context(), req.Credentials, ereceipt.SubmissionBatch{
		Documents:  req.Receipts,
		Signatures: req.Signatures,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type pollRequest struct {
	Credentials ereceipt.CredentialSet `json:"credentials"`
	UUIDs       []string               `json:"uuids"`
}

type pollResultPayload struct {
	UUID     string                         `json:"uuid"`
	State    ereceipt.Lifecycle             `json:"state"`
	Attempts int                            `json:"attempts"`
	Snapshot ereceipt.ReceiptStatusSnapshot `json:"snapshot"`
	Error    string                         `json:"error,omitempty"`
}

func (a *API) handleStatuses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.UUIDs) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "uuids is required")
		return
	}

	results := a.orch.PollStatuses(r.Context(), req.Credentials, req.UUIDs...)
	payload := make([]pollResultPayload, 0, len(results))
	for _, res := range results {
		item := pollResultPayload{
			UUID:     res.UUID,
			State:    res.State,
			Attempts: res.Attempts,
			Snapshot: res.Snapshot,
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		payload = append(payload, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": payload})
}

// handleReceiptResource serves GET /v1/receipts/{uuid}/status from the
// journal's latest observation; remote reconciliation goes through the
// statuses poll endpoint where credentials travel in the body.
func (a *API) handleReceiptResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/receipts/")
	uuid, ok := strings.CutSuffix(path, "/status")
	uuid = strings.TrimSuffix(uuid, "/")
	if !ok || uuid == "" || strings.Contains(uuid, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if a.jrnl == nil {
		writeError(w, http.StatusNotFound, "journal is not configured")
		return
	}

	upd, err := a.jrnl.LatestStatus(r.Context(), uuid)
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no status observed for receipt")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uuid":       upd.UUID,
		"status":     upd.Status,
		"reason":     upd.Reason,
		"state":      ereceipt.ClassifyStatus(upd.Status),
		"observedAt": upd.ObservedAt,
	})
}

func (a *API) handleSubmissionResource(w http.ResponseWriter, r *http.Request) {
	uuid := strings.TrimPrefix(r.URL.Path, "/v1/submissions/")
	uuid = strings.TrimSuffix(uuid, "/")
	if uuid == "" || strings.Contains(uuid, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if a.jrnl == nil {
		writeError(w, http.StatusNotFound, "journal is not configured")
		return
	}

	entry, err := a.jrnl.Submission(r.Context(), uuid)
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// writeDomainError maps the domain error taxonomy onto transport codes.
// A whole-operation failure lands here; a successful outcome with rejected
// documents never does.
func writeDomainError(w http.ResponseWriter, err error) {
	var vErr *ereceipt.ValidationError
	if errors.As(err, &vErr) {
		writeError(w, http.StatusUnprocessableEntity, vErr.Error())
		return
	}
	switch {
	case errors.Is(err, ereceipt.ErrInvalidCredentials), errors.Is(err, ereceipt.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ereceipt.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ereceipt.ErrMalformedResponse), errors.Is(err, ereceipt.ErrTransport):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
