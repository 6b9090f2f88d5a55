/*
handlers.go - HTTP API handlers for the token ledger

PURPOSE:
  Exposes the ledger, the balance read path and the notification engine
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Meters:
    POST   /api/accounts/{account}/meters                          Register meter
    GET    /api/accounts/{account}/meters                          List meters

  Ledger (per meter, under /api/accounts/{account}/meters/{meter}):
    POST   /transactions           Apply purchase / consumption / refund
    GET    /transactions           Transaction history, newest first
    GET    /balance?refresh=true   Balance view (cached)
    GET    /analytics?refresh=true Usage analytics (cached)
    PUT    /threshold              Low balance threshold
    POST   /external-check?force=true  Ask the external source

  Notifications:
    GET    /api/accounts/{account}/notifications            List, newest first
    GET    /api/accounts/{account}/notifications/status     Counts
    POST   /api/accounts/{account}/notifications/read-all   Mark all read
    DELETE /api/accounts/{account}/notifications/read       Delete read
    GET    /api/accounts/{account}/notifications/preferences
    PUT    /api/accounts/{account}/notifications/preferences
    POST   /api/notifications/{id}/read                     Mark one read
    DELETE /api/notifications/{id}                          Delete one
    GET    /api/accounts/{account}/events                   SSE stream

REQUEST FLOW:
  1. Parse HTTP request
  2. Call domain logic (validation lives there)
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  Errors are JSON {error: kind, message} with the status of their kind:
  - 400: invalid_argument
  - 403: ownership
  - 404: not_found
  - 409: duplicate
  - 429: rate_limited (with Retry-After)
  - 502: external_fetch_failed
  - 503: concurrency_timeout
  - 500: anything else; the message never carries internal details

SECURITY NOTE:
  No authentication. The account in the path is trusted; meter ownership
  is checked against it.

SEE ALSO:
  - dto.go: Request/response data structures
  - events.go: SSE stream
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/token-ledger/balance"
	"github.com/warp/token-ledger/fetch"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/logging"
	"github.com/warp/token-ledger/notify"
	"github.com/warp/token-ledger/subscription"
)

const (
	defaultHistoryLimit = 50
	maxListLimit        = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the components the handlers call.
type Deps struct {
	Ledger        *ledger.Service
	Reader        *balance.Reader
	Notifications *notify.Engine
	Hub           *subscription.Hub
	Meters        ledger.MeterRegistry
	Health        func(ctx context.Context) error
	Logger        logging.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	ledger        *ledger.Service
	reader        *balance.Reader
	notifications *notify.Engine
	hub           *subscription.Hub
	meters        ledger.MeterRegistry
	health        func(ctx context.Context) error
	log           logging.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		ledger:        d.Ledger,
		reader:        d.Reader,
		notifications: d.Notifications,
		hub:           d.Hub,
		meters:        d.Meters,
		health:        d.Health,
		log:           logging.OrDiscard(d.Logger),
	}
}

func accountParam(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "account"))
}

func keyParam(r *http.Request) ledger.Key {
	return ledger.NewKey(chi.URLParam(r, "account"), chi.URLParam(r, "meter"))
}

// checkOwnership rejects keys whose meter is not registered to the account.
func (h *Handler) checkOwnership(ctx context.Context, key ledger.Key) error {
	if !key.Valid() {
		return ledger.Errorf(ledger.ErrInvalidArgument, "account and meter ids are required")
	}
	ok, err := h.meters.Owns(ctx, key.AccountID, key.MeterID)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.Errorf(ledger.ErrOwnership, "meter %s does not belong to account %s", key.MeterID, key.AccountID)
	}
	return nil
}

// =============================================================================
// METER HANDLERS
// =============================================================================

// RegisterMeter assigns a meter to the account.
// POST /api/accounts/{account}/meters
func (h *Handler) RegisterMeter(w http.ResponseWriter, r *http.Request) {
	var req RegisterMeterRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	m := ledger.Meter{MeterID: ledger.MeterID(req.MeterID), AccountID: accountParam(r), Label: req.Label}
	if err := h.meters.RegisterMeter(r.Context(), m); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMeterDTO(m))
}

// ListMeters returns the account's meters.
// GET /api/accounts/{account}/meters
func (h *Handler) ListMeters(w http.ResponseWriter, r *http.Request) {
	meters, err := h.meters.ListMeters(r.Context(), accountParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]MeterDTO, len(meters))
	for i, m := range meters {
		dtos[i] = toMeterDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ApplyTransaction records a purchase, consumption or refund.
// POST /api/accounts/{account}/meters/{meter}/transactions
func (h *Handler) ApplyTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.ledger.ApplyTransaction(r.Context(),
		chi.URLParam(r, "account"), chi.URLParam(r, "meter"),
		req.Amount, ledger.TransactionType(req.Type), req.meta())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResultDTO(res))
}

// ListTransactions returns the most recent transactions, newest first.
// GET /api/accounts/{account}/meters/{meter}/transactions?limit=50
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)
	limit, err := limitParam(r, defaultHistoryLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.checkOwnership(r.Context(), key); err != nil {
		h.writeError(w, r, err)
		return
	}
	txs, err := h.ledger.History(r.Context(), key, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[len(txs)-1-i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns the balance view.
// GET /api/accounts/{account}/meters/{meter}/balance?refresh=true
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	refresh, err := boolParam(r, "refresh")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.reader.GetBalance(r.Context(), keyParam(r), refresh)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(v))
}

// GetAnalytics returns usage analytics.
// GET /api/accounts/{account}/meters/{meter}/analytics?refresh=true
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	refresh, err := boolParam(r, "refresh")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.reader.Analytics(r.Context(), keyParam(r), refresh)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalyticsDTO(a))
}

// SetThreshold changes the low balance threshold.
// PUT /api/accounts/{account}/meters/{meter}/threshold
func (h *Handler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.ledger.SetThreshold(r.Context(), keyParam(r), req.Threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceRecordDTO(rec))
}

// ExternalCheck asks the external source for the meter's balance.
// POST /api/accounts/{account}/meters/{meter}/external-check?force=true
func (h *Handler) ExternalCheck(w http.ResponseWriter, r *http.Request) {
	force, err := boolParam(r, "force")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reading, err := h.reader.CheckExternal(r.Context(), keyParam(r), force)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExternalReadingDTO(reading))
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// ListNotifications returns the account's notifications, newest first.
// GET /api/accounts/{account}/notifications?limit=100
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, notify.DefaultListLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ns, err := h.notifications.List(r.Context(), accountParam(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationDTOs(ns))
}

// GetNotificationStatus returns the account's notification counts.
// GET /api/accounts/{account}/notifications/status
func (h *Handler) GetNotificationStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.hub.Registry(r.Context(), accountParam(r)).Snapshot()
	if snap.Err != nil {
		h.writeError(w, r, snap.Err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(snap.Status))
}

// MarkAllNotificationsRead marks every notification of the account read.
// POST /api/accounts/{account}/notifications/read-all
func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.MarkAllRead(r.Context(), accountParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountDTO{Count: n})
}

// DeleteReadNotifications deletes the account's read notifications.
// DELETE /api/accounts/{account}/notifications/read
func (h *Handler) DeleteReadNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.DeleteAllRead(r.Context(), accountParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountDTO{Count: n})
}

// MarkNotificationRead marks one notification read.
// POST /api/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.MarkRead(r.Context(), notify.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationDTO(n))
}

// DeleteNotification deletes one notification.
// DELETE /api/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.Delete(r.Context(), notify.ID(chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPreferences returns the account's notification preferences.
// GET /api/accounts/{account}/notifications/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := h.hub.PreferencesFor(r.Context(), accountParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreferencesDTO(p))
}

// PutPreferences replaces the account's notification preferences.
// PUT /api/accounts/{account}/notifications/preferences
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesDTO
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := req.preferences()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.hub.SetPreferences(r.Context(), accountParam(r), p); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreferencesDTO(p))
}

// Health reports whether the store answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.log.WithError(err).Error("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ledger.Wrap(ledger.ErrInvalidArgument, err, "invalid request body")
	}
	return nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, ledger.Errorf(ledger.ErrInvalidArgument, "%s must be true or false", name)
	}
	return v, nil
}

func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, ledger.Errorf(ledger.ErrInvalidArgument, "limit must be a positive integer")
	}
	return min(v, maxListLimit), nil
}

func statusForKind(kind ledger.Kind) int {
	switch kind {
	case ledger.KindInvalidArgument:
		return http.StatusBadRequest
	case ledger.KindOwnership:
		return http.StatusForbidden
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindDuplicate:
		return http.StatusConflict
	case ledger.KindRateLimited:
		return http.StatusTooManyRequests
	case ledger.KindExternalFetchFailed:
		return http.StatusBadGateway
	case ledger.KindConcurrencyTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.KindOf(err)
	status := statusForKind(kind)
	resp := ErrorResponse{Error: string(kind), Message: ledger.PublicMessage(err)}

	var rl *fetch.RateLimitedError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.Remaining.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		resp.RetryAfterSeconds = secs
		resp.Message = rl.Error()
	}

	fields := logging.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
		"status":     status,
	}
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(fields).Error("request failed")
	} else {
		h.log.WithError(err).WithFields(fields).Debug("request rejected")
	}
	writeJSON(w, status, resp)
}
