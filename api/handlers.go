/*
handlers.go - HTTP handlers for the ledger, entry counter and archive APIs

ENDPOINTS:
  Ledger (same handlers for agent-accounts, vendor-accounts, office-accounts):
    GET    /api/{kind}                 List entries (?account=&limit=&offset=)
    POST   /api/{kind}                 Create entry
    GET    /api/{kind}/accounts        Account keys with latest balance
    POST   /api/{kind}/recompute       Replay one account (?account=) or all
    GET    /api/{kind}/{id}            Get entry
    PUT    /api/{kind}/{id}            Update entry
    DELETE /api/{kind}/{id}            Archive and delete entry

  Entry counts:
    GET    /api/entry-counts           Every form type with the global count
    GET    /api/entry-counts/{type}    One form type
    POST   /api/entry-counts/increment Record an entry number

  Archives:
    GET    /api/archives               Snapshots (?module=)

RESPONSES:
  Every response is the ledger.Result envelope:
    {"status": "success"|"error", "code": 200, "data": ..., "errors": [...]}
  The HTTP status always equals code.

SEE ALSO:
  - dto.go: Request bodies
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/agency-ledger/archive"
	"github.com/warp/agency-ledger/counter"
	"github.com/warp/agency-ledger/ledger"
)

// DefaultActor attributes requests that carry no X-Actor header.
const DefaultActor = "system"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	ledger   *ledger.Service
	counter  *counter.Tracker
	archives *archive.Service
	ping     func(context.Context) error
	log      *zap.Logger
}

// Deps wires a Handler. Ping backs /ready and may be nil.
type Deps struct {
	Ledger   *ledger.Service
	Counter  *counter.Tracker
	Archives *archive.Service
	Ping     func(context.Context) error
	Logger   *zap.Logger
}

func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Ping == nil {
		d.Ping = func(context.Context) error { return nil }
	}
	return &Handler{
		ledger:   d.Ledger,
		counter:  d.Counter,
		archives: d.Archives,
		ping:     d.Ping,
		log:      d.Logger,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeResult(w, ledger.Success(http.StatusOK, map[string]string{"status": "ok"}))
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.ping(r.Context()); err != nil {
		h.log.Warn("readiness check failed", zap.Error(err))
		writeResult(w, ledger.Result{
			Status: ledger.StatusError,
			Code:   http.StatusServiceUnavailable,
			Errors: []string{"storage unavailable"},
		})
		return
	}
	writeResult(w, ledger.Success(http.StatusOK, map[string]string{"status": "ready"}))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}
	offset, err := queryInt(q.Get("offset"), "offset")
	if err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}

	entries, err := h.ledger.ListEntries(r.Context(), kindFrom(r), ledger.Filter{
		AccountKey: q.Get("account"),
		Limit:      limit,
		Offset:     offset,
	})
	writeResult(w, ledger.ResultFrom(http.StatusOK, entries, err))
}

func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}

	in, err := req.toCreateInput(kindFrom(r), actorFrom(r))
	if err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}

	entry, err := h.ledger.CreateEntry(r.Context(), in)
	writeResult(w, ledger.ResultFrom(http.StatusCreated, entry, err))
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := entryID(r)
	if err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}

	entry, err := h.ledger.GetEntry(r.Context(), kindFrom(r), id)
	writeResult(w, ledger.ResultFrom(http.StatusOK, entry, err))
}

func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	id, err := entryID(r)
	if err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}

	var req UpdateEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}
	in, err := req.toUpdateInput(kindFrom(r), id, actorFrom(r))
	if err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}

	entry, err := h.ledger.UpdateEntry(r.Context(), in)
	writeResult(w, ledger.ResultFrom(http.StatusOK, entry, err))
}

func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, err := entryID(r)
	if err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}

	deleted, err := h.ledger.DeleteEntry(r.Context(), ledger.DeleteInput{
		Kind:  kindFrom(r),
		ID:    id,
		Actor: actorFrom(r),
	})
	writeResult(w, ledger.ResultFrom(http.StatusOK, deleted, err))
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.ledger.Accounts(r.Context(), kindFrom(r))
	writeResult(w, ledger.ResultFrom(http.StatusOK, accounts, err))
}

// Recompute replays ?account= or, without it, every account of the kind.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	kind := kindFrom(r)
	account := r.URL.Query().Get("account")

	if account != "" {
		err := h.ledger.Recompute(r.Context(), kind, account)
		writeResult(w, ledger.ResultFrom(http.StatusOK,
			RecomputeResponse{Kind: kind, Account: account, Accounts: 1}, err))
		return
	}

	n, err := h.ledger.RecomputeAll(r.Context(), kind)
	writeResult(w, ledger.ResultFrom(http.StatusOK, RecomputeResponse{Kind: kind, Accounts: n}, err))
}

// =============================================================================
// ENTRY COUNT HANDLERS
// =============================================================================

func (h *Handler) ListEntryCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.counter.List(r.Context())
	writeResult(w, ledger.ResultFrom(http.StatusOK, counts, err))
}

func (h *Handler) GetEntryCount(w http.ResponseWriter, r *http.Request) {
	state, err := h.counter.Get(r.Context(), chi.URLParam(r, "formType"))
	writeResult(w, ledger.ResultFrom(http.StatusOK, state, err))
}

func (h *Handler) IncrementEntryCount(w http.ResponseWriter, r *http.Request) {
	var req IncrementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeResult(w, ledger.Failure(err))
		return
	}

	var (
		state counter.FormCount
		err   error
	)
	switch {
	case req.ActualEntryNumber != nil:
		state, err = h.counter.Increment(r.Context(), req.FormType, *req.ActualEntryNumber)
	case req.EntryLabel != "":
		state, err = h.counter.IncrementLabel(r.Context(), req.FormType, req.EntryLabel)
	default:
		err = &ledger.ValidationError{Reason: "actual_entry_number or entry_label is required"}
	}
	writeResult(w, ledger.ResultFrom(http.StatusOK, state, err))
}

// =============================================================================
// ARCHIVE HANDLERS
// =============================================================================

func (h *Handler) ListArchives(w http.ResponseWriter, r *http.Request) {
	records, err := h.archives.List(r.Context(), r.URL.Query().Get("module"))
	writeResult(w, ledger.ResultFrom(http.StatusOK, records, err))
}

// =============================================================================
// HELPERS
// =============================================================================

type kindKey struct{}

func withKind(kind ledger.Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), kindKey{}, kind)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func kindFrom(r *http.Request) ledger.Kind {
	k, _ := r.Context().Value(kindKey{}).(ledger.Kind)
	return k
}

// actorFrom reads the X-Actor header used for archive attribution.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return DefaultActor
}

func entryID(r *http.Request) (ledger.EntryID, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &ledger.ValidationError{Field: "id", Reason: fmt.Sprintf("invalid entry id %q", raw)}
	}
	return ledger.EntryID(id), nil
}

func queryInt(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ledger.ValidationError{Field: field, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &ledger.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func writeResult(w http.ResponseWriter, res ledger.Result) {
	writeJSON(w, res.Code, res)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
