/*
handlers.go - HTTP handlers for the field-operations facade

PURPOSE:
  Exposes the optimistic mutation core over REST for thin clients and
  operational tooling. Handlers parse input, build the matching domain
  action, run it through the pipeline and report the settled outcome.

ENDPOINTS:
  Reads (served from the cache, read-through on miss):
    GET    /api/tenants/{id}
    GET    /api/tenants/{id}/payments
    GET    /api/agents/{id}
    GET    /api/agents/{id}/tenants

  Mutations:
    POST   /api/payments                   Record one payment
    POST   /api/payments/batch             Record a batch
    GET    /api/payments/batch/progress    Progress of the current batch
    POST   /api/payments/{id}/verify
    POST   /api/payments/{id}/reject
    POST   /api/agents/{id}/suspend
    POST   /api/tenants/{id}/archive
    POST   /api/tenants/{id}/transfer
    PUT    /api/tenants/{id}/contact

  Undo:
    POST   /api/undo/{mutationID}          Reverse within the window
    GET    /api/undo/pending
    GET    /api/undo/history

  Validation and templates:
    POST   /api/validate
    GET    /api/templates
    POST   /api/templates
    GET    /api/templates/{name}
    DELETE /api/templates/{name}

ERROR HANDLING:
  - 400: malformed input, invalid mutation
  - 404: unknown entity
  - 409: remote conflict (e.g. duplicate transaction reference)
  - 410: undo record expired or already consumed
  - 422: blocked by validation (single or batch pre-flight)
  - 502: remote unavailable; the optimistic value was rolled back

SEE ALSO:
  - dto.go:    wire structures
  - server.go: router and middleware
*/
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/fieldops/batch"
	"github.com/warp/fieldops/cache"
	"github.com/warp/fieldops/collect"
	"github.com/warp/fieldops/guard"
	"github.com/warp/fieldops/mutation"
	"github.com/warp/fieldops/remote"
	"github.com/warp/fieldops/undo"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the assembled client core. Every mutation goes through
// Pipeline (or Coord for batches); every read goes through Cache.
type Handler struct {
	Cache     *cache.Store
	Fetcher   *collect.Fetcher
	Actions   *collect.Actions
	Pipeline  *mutation.Pipeline
	Ledger    *undo.Ledger
	Coord     *batch.Coordinator
	Guard     *guard.Guard
	History   undo.History
	Templates batch.TemplateStore
}

// =============================================================================
// READS
// =============================================================================

// readThrough serves key from the cache, fetching and filling on a miss.
func (h *Handler) readThrough(r *http.Request, key cache.Key) (any, error) {
	if e, ok := h.Cache.Read(r.Context(), key); ok {
		return e.Value, nil
	}
	value, err := h.Fetcher.Fetch(r.Context(), key)
	if err != nil {
		return nil, err
	}
	h.Cache.Write(key, func(any) any { return value })
	return value, nil
}

func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	id := collect.TenantID(chi.URLParam(r, "id"))
	value, err := h.readThrough(r, collect.TenantKey(id))
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to load tenant", err)
		return
	}
	t, ok := value.(collect.Tenant)
	if !ok {
		writeError(w, http.StatusNotFound, "Tenant not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, tenantDTO(t))
}

func (h *Handler) GetTenantPayments(w http.ResponseWriter, r *http.Request) {
	id := collect.TenantID(chi.URLParam(r, "id"))
	value, err := h.readThrough(r, collect.PaymentsKey(id))
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to load payments", err)
		return
	}
	payments, _ := value.([]collect.Payment)
	dtos := make([]PaymentDTO, 0, len(payments))
	for _, p := range payments {
		dtos = append(dtos, paymentDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := collect.AgentID(chi.URLParam(r, "id"))
	value, err := h.readThrough(r, collect.AgentKey(id))
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to load agent", err)
		return
	}
	a, ok := value.(collect.Agent)
	if !ok {
		writeError(w, http.StatusNotFound, "Agent not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, agentDTO(a))
}

func (h *Handler) GetAgentTenants(w http.ResponseWriter, r *http.Request) {
	id := collect.AgentID(chi.URLParam(r, "id"))
	value, err := h.readThrough(r, collect.TenantsKey(id))
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to load tenants", err)
		return
	}
	tenants, _ := value.([]collect.Tenant)
	dtos := make([]TenantDTO, 0, len(tenants))
	for _, t := range tenants {
		dtos = append(dtos, tenantDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPayment validates the transaction reference, then runs the payment
// through the pipeline. By the time this returns, the mutation is settled
// one way or the other.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount := collect.ParseMoney(req.Amount)
	if amount.IsZero() || amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "Amount must be a positive decimal", nil)
		return
	}

	state, err := h.Guard.Check(r.Context(), req.ChannelID, req.TxRef)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Reference check unavailable", err)
		return
	}
	if state.Blocked() {
		writeJSON(w, http.StatusUnprocessableEntity, validationDTO(state))
		return
	}

	m := h.Actions.RecordPayment(collect.RecordPaymentInput{
		TenantID:  collect.TenantID(req.TenantID),
		AgentID:   collect.AgentID(req.AgentID),
		Amount:    amount,
		ChannelID: req.ChannelID,
		TxRef:     req.TxRef,
		ActorID:   req.ActorID,
	})
	h.runMutation(w, r, m, http.StatusCreated)
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPayment(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	json.NewDecoder(r.Body).Decode(&req)
	h.runMutation(w, r, h.Actions.VerifyPayment(p, req.ActorID), http.StatusOK)
}

func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPayment(w, r)
	if !ok {
		return
	}
	var req RejectPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	h.runMutation(w, r, h.Actions.RejectPayment(p, req.Reason, req.ActorID), http.StatusOK)
}

func (h *Handler) loadPayment(w http.ResponseWriter, r *http.Request) (collect.Payment, bool) {
	id := collect.PaymentID(chi.URLParam(r, "id"))
	value, err := h.Fetcher.Fetch(r.Context(), collect.PaymentKey(id))
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to load payment", err)
		return collect.Payment{}, false
	}
	p, ok := value.(collect.Payment)
	if !ok {
		writeError(w, http.StatusNotFound, "Payment not found", nil)
		return collect.Payment{}, false
	}
	return p, true
}

// =============================================================================
// BATCH
// =============================================================================

// RecordBatch runs a grouped submission. A pre-flight rejection returns 422
// with the reason; past pre-flight the summary is always a 200, partial
// failures included.
func (h *Handler) RecordBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entries, err := h.buildEntries(req.Entries)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch entry", err)
		return
	}

	summary, err := h.Coord.Run(r.Context(), entries)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Batch rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, summaryDTO(summary))
}

func (h *Handler) buildEntries(reqs []RecordPaymentRequest) ([]batch.Entry, error) {
	entries := make([]batch.Entry, 0, len(reqs))
	for _, req := range reqs {
		amount := collect.ParseMoney(req.Amount)
		if amount.IsZero() || amount.IsNegative() {
			return nil, errors.New("amount must be a positive decimal: " + req.TxRef)
		}
		m := h.Actions.RecordPayment(collect.RecordPaymentInput{
			TenantID:  collect.TenantID(req.TenantID),
			AgentID:   collect.AgentID(req.AgentID),
			Amount:    amount,
			ChannelID: req.ChannelID,
			TxRef:     req.TxRef,
			ActorID:   req.ActorID,
		})
		entries = append(entries, batch.Entry{
			ID:        m.ID,
			ChannelID: req.ChannelID,
			TxRef:     req.TxRef,
			Mutation:  m,
		})
	}
	return entries, nil
}

func (h *Handler) BatchProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProgressDTO{Progress: h.Coord.Progress()})
}

// =============================================================================
// AGENT AND TENANT ACTIONS
// =============================================================================

func (h *Handler) SuspendAgent(w http.ResponseWriter, r *http.Request) {
	id := collect.AgentID(chi.URLParam(r, "id"))
	value, err := h.readThrough(r, collect.AgentKey(id))
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to load agent", err)
		return
	}
	a, ok := value.(collect.Agent)
	if !ok {
		writeError(w, http.StatusNotFound, "Agent not found", nil)
		return
	}
	var req ActorRequest
	json.NewDecoder(r.Body).Decode(&req)
	h.runMutation(w, r, h.Actions.SuspendAgent(a, req.ActorID), http.StatusOK)
}

func (h *Handler) ArchiveTenant(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	var req ActorRequest
	json.NewDecoder(r.Body).Decode(&req)
	h.runMutation(w, r, h.Actions.ArchiveTenant(t, req.ActorID), http.StatusOK)
}

func (h *Handler) TransferTenant(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	var req TransferTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToAgentID == "" {
		writeError(w, http.StatusBadRequest, "to_agent_id is required", err)
		return
	}
	h.runMutation(w, r, h.Actions.TransferTenant(t, collect.AgentID(req.ToAgentID), req.ActorID), http.StatusOK)
}

func (h *Handler) UpdateTenantContact(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required", err)
		return
	}
	h.runMutation(w, r, h.Actions.UpdateTenantContact(t, req.Phone, req.ActorID), http.StatusOK)
}

func (h *Handler) loadTenant(w http.ResponseWriter, r *http.Request) (collect.Tenant, bool) {
	id := collect.TenantID(chi.URLParam(r, "id"))
	value, err := h.readThrough(r, collect.TenantKey(id))
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to load tenant", err)
		return collect.Tenant{}, false
	}
	t, ok := value.(collect.Tenant)
	if !ok {
		writeError(w, http.StatusNotFound, "Tenant not found", nil)
		return collect.Tenant{}, false
	}
	return t, true
}

// =============================================================================
// UNDO
// =============================================================================

func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "mutationID")
	err := h.Ledger.Undo(r.Context(), id)
	if errors.Is(err, undo.ErrNotFound) {
		writeError(w, http.StatusGone, "Undo window elapsed or already reversed", err)
		return
	}
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reversed"})
}

func (h *Handler) PendingUndos(w http.ResponseWriter, r *http.Request) {
	records := h.Ledger.Records()
	dtos := make([]UndoRecordDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, undoRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) UndoHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.History.List(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load undo history", err)
		return
	}
	dtos := make([]HistoryEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, historyEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// VALIDATION
// =============================================================================

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	// An indeterminate lookup is not an HTTP failure: the state already
	// carries Verified=false, which renders as blocked.
	state, _ := h.Guard.Check(r.Context(), req.ChannelID, req.Ref)
	writeJSON(w, http.StatusOK, validationDTO(state))
}

// =============================================================================
// BATCH TEMPLATES
// =============================================================================

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.Templates.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list templates", err)
		return
	}
	dtos := make([]TemplateDTO, 0, len(templates))
	for _, t := range templates {
		dtos = append(dtos, TemplateDTO{Name: t.Name, SavedAt: t.SavedAt.UTC().Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req SaveTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name and entries are required", err)
		return
	}
	payload, err := json.Marshal(req.Entries)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid entries", err)
		return
	}
	if err := h.Templates.Save(r.Context(), batch.Template{Name: req.Name, Payload: payload}); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save template", err)
		return
	}
	writeJSON(w, http.StatusCreated, TemplateDTO{Name: req.Name})
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, err := h.Templates.Get(r.Context(), name)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "Template not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load template", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Name    string          `json:"name"`
		SavedAt string          `json:"saved_at"`
		Entries json.RawMessage `json:"entries"`
	}{t.Name, t.SavedAt.UTC().Format(time.RFC3339), t.Payload})
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.Templates.Delete(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete template", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SHARED PLUMBING
// =============================================================================

// runMutation drives m through the pipeline and maps the settled outcome to
// an HTTP status.
func (h *Handler) runMutation(w http.ResponseWriter, r *http.Request, m *mutation.Mutation, okStatus int) {
	// The pipeline must always reach a settled state: a client disconnect
	// never abandons a commit mid-flight.
	if err := h.Pipeline.Run(context.WithoutCancel(r.Context()), m); err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, okStatus, MutationDTO{
		MutationID: m.ID,
		Kind:       string(m.Kind),
		Undoable:   m.Undo != nil,
	})
}

func writeMutationError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mutation.ErrInvalidMutation):
		status = http.StatusBadRequest
	case errors.Is(err, remote.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, remote.ErrNotFound):
		status = http.StatusNotFound
	case remote.IsRetryable(err):
		status = http.StatusBadGateway
	}
	writeError(w, status, "Mutation failed", err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
