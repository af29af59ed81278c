/*
dto.go - Request/response data structures for the HTTP facade

All amounts cross the wire as decimal strings; the domain types never leak
their internal representation into JSON.
*/
package api

import (
	"time"

	"github.com/warp/fieldops/batch"
	"github.com/warp/fieldops/collect"
	"github.com/warp/fieldops/guard"
	"github.com/warp/fieldops/undo"
)

// =============================================================================
// REQUESTS
// =============================================================================

type RecordPaymentRequest struct {
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	Amount    string `json:"amount"`
	ChannelID string `json:"channel_id"`
	TxRef     string `json:"tx_ref"`
	ActorID   string `json:"actor_id"`
}

type BatchRequest struct {
	Entries []RecordPaymentRequest `json:"entries"`
}

type RejectPaymentRequest struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
}

type ActorRequest struct {
	ActorID string `json:"actor_id"`
}

type TransferTenantRequest struct {
	ToAgentID string `json:"to_agent_id"`
	ActorID   string `json:"actor_id"`
}

type ContactRequest struct {
	Phone   string `json:"phone"`
	ActorID string `json:"actor_id"`
}

type ValidateRequest struct {
	ChannelID string `json:"channel_id"`
	Ref       string `json:"ref"`
}

type SaveTemplateRequest struct {
	Name    string                 `json:"name"`
	Entries []RecordPaymentRequest `json:"entries"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type TenantDTO struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Outstanding string `json:"outstanding"`
	Archived    bool   `json:"archived"`
}

type AgentDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Suspended  bool   `json:"suspended"`
	Collected  string `json:"collected"`
	Commission string `json:"commission"`
}

type PaymentDTO struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	AgentID    string `json:"agent_id"`
	Amount     string `json:"amount"`
	Commission string `json:"commission"`
	ChannelID  string `json:"channel_id"`
	TxRef      string `json:"tx_ref"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	RecordedBy string `json:"recorded_by"`
	RecordedAt string `json:"recorded_at"`
}

// MutationDTO reports one accepted mutation, with the undo handle when the
// action is reversible.
type MutationDTO struct {
	MutationID string `json:"mutation_id"`
	Kind       string `json:"kind"`
	Undoable   bool   `json:"undoable"`
}

type ValidationDTO struct {
	FormatError string `json:"format_error,omitempty"`
	Exists      bool   `json:"exists"`
	Verified    bool   `json:"verified"`
	Blocked     bool   `json:"blocked"`
}

type EntryResultDTO struct {
	ID     string `json:"id"`
	TxRef  string `json:"tx_ref"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type BatchSummaryDTO struct {
	Outcome      string           `json:"outcome"`
	SuccessCount int              `json:"success_count"`
	FailedCount  int              `json:"failed_count"`
	Results      []EntryResultDTO `json:"results"`
}

type ProgressDTO struct {
	Progress float64 `json:"progress"`
}

type UndoRecordDTO struct {
	MutationID  string `json:"mutation_id"`
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	Description string `json:"description"`
	ExpiresAt   string `json:"expires_at"`
}

type HistoryEntryDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	PriorStatus string `json:"prior_status"`
	At          string `json:"at"`
}

type TemplateDTO struct {
	Name    string `json:"name"`
	SavedAt string `json:"saved_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func tenantDTO(t collect.Tenant) TenantDTO {
	return TenantDTO{
		ID:          string(t.ID),
		AgentID:     string(t.AgentID),
		Name:        t.Name,
		Phone:       t.Phone,
		Outstanding: t.Outstanding.String(),
		Archived:    t.Archived,
	}
}

func agentDTO(a collect.Agent) AgentDTO {
	return AgentDTO{
		ID:         string(a.ID),
		Name:       a.Name,
		Suspended:  a.Suspended,
		Collected:  a.Collected.String(),
		Commission: a.Commission.String(),
	}
}

func paymentDTO(p collect.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         string(p.ID),
		TenantID:   string(p.TenantID),
		AgentID:    string(p.AgentID),
		Amount:     p.Amount.String(),
		Commission: p.Commission.String(),
		ChannelID:  p.ChannelID,
		TxRef:      p.TxRef,
		Status:     string(p.Status),
		Reason:     p.Reason,
		RecordedBy: p.RecordedBy,
		RecordedAt: p.RecordedAt.UTC().Format(time.RFC3339),
	}
}

func validationDTO(s guard.State) ValidationDTO {
	return ValidationDTO{
		FormatError: s.FormatError,
		Exists:      s.Exists,
		Verified:    s.Verified,
		Blocked:     s.Blocked(),
	}
}

func summaryDTO(s batch.Summary) BatchSummaryDTO {
	out := BatchSummaryDTO{
		Outcome:      string(s.Outcome()),
		SuccessCount: s.SuccessCount,
		FailedCount:  s.FailedCount,
		Results:      make([]EntryResultDTO, 0, len(s.Results)),
	}
	for _, r := range s.Results {
		dto := EntryResultDTO{ID: r.ID, TxRef: r.TxRef, Status: string(r.Status)}
		if r.Err != nil {
			dto.Error = r.Err.Error()
		}
		out.Results = append(out.Results, dto)
	}
	return out
}

func undoRecordDTO(r undo.Record) UndoRecordDTO {
	return UndoRecordDTO{
		MutationID:  r.MutationID,
		Kind:        string(r.Kind),
		Target:      r.TargetID,
		Description: r.Description,
		ExpiresAt:   r.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func historyEntryDTO(e undo.HistoryEntry) HistoryEntryDTO {
	return HistoryEntryDTO{
		ID:          e.ID,
		Kind:        e.Kind,
		Target:      e.Target,
		PriorStatus: e.PriorStatus,
		At:          e.At.UTC().Format(time.RFC3339),
	}
}
