package ereceipt

import (
	"context"
	"strings"
	"time"

	"etabridge.org/internal/obs"
)

// ClassifyStatus maps the authority's open-ended status vocabulary into a
// normalized lifecycle state. Unrecognized statuses are surfaced as Unknown
// rather than failing; the authority controls the vocabulary.
func ClassifyStatus(status string) Lifecycle {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "received", "submitted", "in progress", "inprogress":
		return LifecyclePending
	case "valid":
		return LifecycleValid
	case "invalid", "cancelled", "canceled", "rejected":
		return LifecycleInvalid
	default:
		return LifecycleUnknown
	}
}

// Reconciler fetches the current status of a previously submitted receipt
// and normalizes it. Snapshots are never cached; status can change between
// queries.
type Reconciler struct {
	gw Gateway
}

// NewReconciler constructs a Reconciler over the given gateway.
func NewReconciler(gw Gateway) *Reconciler {
	return &Reconciler{gw: gw}
}

// Reconcile fetches a fresh snapshot for the receipt UUID. A zero issuedAt
// omits the hint. Fails with *LookupError.
func (r *Reconciler) Reconcile(ctx context.Context, uuid string, token AccessToken, issuedAt time.Time) (ReceiptStatusSnapshot, Lifecycle, error) {
	snap, err := r.gw.FetchStatus(ctx, uuid, token, issuedAt)
	if err != nil {
		return ReceiptStatusSnapshot{}, LifecycleUnknown, err
	}

	state := ClassifyStatus(snap.Status)
	if state == LifecycleUnknown {
		obs.LogEvent("status.unknown", map[string]any{
			"uuid":   uuid,
			"status": snap.Status,
		})
	}
	return snap, state, nil
}
