// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gentleomega/proofmem/internal/app"
	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/integrity"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/gentleomega/proofmem/internal/memory"
	"github.com/gentleomega/proofmem/internal/service"
	"github.com/go-chi/chi/v5"
)

const healthTimeout = 3 * time.Second

// Handlers serves the HTTP routes
type Handlers struct {
	app *app.App
	svc *service.Service
}

// NewHandlers creates handlers over a
func NewHandlers(a *app.App) *Handlers {
	return &Handlers{app: a, svc: a.Service}
}

type trackedResponse struct {
	LedgerEntryID uint   `json:"ledger_entry_id"`
	LedgerStatus  string `json:"ledger_status"`
}

func tracked(t ledger.Tracked) trackedResponse {
	return trackedResponse{LedgerEntryID: t.EntryID, LedgerStatus: t.Status}
}

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func healthOf(err error) componentHealth {
	if err != nil {
		return componentHealth{Status: "unavailable", Error: err.Error()}
	}
	return componentHealth{Status: "ok"}
}

// Health reports liveness and the state of each dependency
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	dbErr := h.app.DB.Ping(ctx)
	chainErr := h.app.Chain.Ping(ctx)
	head, _ := h.app.Chain.Head(ctx)
	info := h.app.Embedder.GetModelInfo()

	status, code := "ok", http.StatusOK
	if dbErr != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"database": healthOf(dbErr),
		"chain": map[string]interface{}{
			"mode":   h.app.Chain.Mode(),
			"head":   head,
			"health": healthOf(chainErr),
		},
		"embeddings": map[string]interface{}{
			"backend":    info.Provider,
			"model":      info.Name,
			"dimensions": info.Dimensions,
		},
		"reconciler": h.app.Reconciler.Stats(),
	})
}

type createItemRequest struct {
	ID         uint            `json:"id,omitempty"`
	Content    string          `json:"content"`
	UserID     string          `json:"user_id"`
	Agent      string          `json:"agent,omitempty"`
	Source     string          `json:"source,omitempty"`
	Importance float64         `json:"importance,omitempty"`
	Metadata   memory.Metadata `json:"metadata,omitempty"`
}

type itemResponse struct {
	ItemID uint           `json:"item_id"`
	Item   *memory.Record `json:"item"`
	trackedResponse
}

// CreateItem stores a memory under a ledger guard. The item is created even
// when its proof could not be submitted.
func (h *Handlers) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decodeBody(r, w, &req); err != nil {
		writeError(w, err)
		return
	}

	rec, t, err := h.svc.Remember(r.Context(), service.RememberInput{
		ID:         req.ID,
		Agent:      req.Agent,
		UserID:     req.UserID,
		Source:     req.Source,
		Content:    req.Content,
		Importance: req.Importance,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, itemResponse{ItemID: rec.ID, Item: rec, trackedResponse: tracked(t)})
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	*service.EmbedResult
	trackedResponse
}

// Embed computes an embedding under a ledger guard
func (h *Handlers) Embed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := decodeBody(r, w, &req); err != nil {
		writeError(w, err)
		return
	}

	res, t, err := h.svc.Embed(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, embedResponse{EmbedResult: res, trackedResponse: tracked(t)})
}

// GetItem reads a memory under a ledger guard
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	rec, t, err := h.svc.GetItem(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{ItemID: rec.ID, Item: rec, trackedResponse: tracked(t)})
}

type retrieveRequest struct {
	Query  string `json:"query"`
	Agent  string `json:"agent,omitempty"`
	UserID string `json:"user_id,omitempty"`
	K      int    `json:"k,omitempty"`
}

// Retrieve returns the top scored memories
func (h *Handlers) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeBody(r, w, &req); err != nil {
		writeError(w, err)
		return
	}

	results, err := h.svc.Recall(r.Context(), req.Query, memory.Filter{Agent: req.Agent, UserID: req.UserID}, req.K)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// ListLedger returns entries newest first
func (h *Handlers) ListLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", ledger.DefaultListLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.svc.Ledger().List(r.Context(), ledger.ListOptions{
		Limit:  limit,
		Status: r.URL.Query().Get("status"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// GetLedgerEntry returns one entry with its cached proof
func (h *Handlers) GetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	l := h.svc.Ledger()
	entry, err := l.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	proof, err := l.ProofFor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entry": entry, "proof": proof})
}

type appendTurnRequest struct {
	Role     string          `json:"role"`
	Text     string          `json:"text"`
	Metadata memory.Metadata `json:"metadata,omitempty"`
}

// AppendTurn adds a turn to a session
func (h *Handlers) AppendTurn(w http.ResponseWriter, r *http.Request) {
	var req appendTurnRequest
	if err := decodeBody(r, w, &req); err != nil {
		writeError(w, err)
		return
	}

	turn, t, err := h.svc.AppendTurn(r.Context(), service.TurnInput{
		SessionID: chi.URLParam(r, "session"),
		Role:      req.Role,
		Text:      req.Text,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"turn":            turn,
		"ledger_entry_id": t.EntryID,
		"ledger_status":   t.Status,
	})
}

// RecentTurns returns the newest turns of a session
func (h *Handlers) RecentTurns(w http.ResponseWriter, r *http.Request) {
	n, err := intQuery(r, "n", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	turns, err := h.svc.RecentTurns(r.Context(), chi.URLParam(r, "session"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"turns": turns})
}

type promoteRequest struct {
	Agent      string  `json:"agent,omitempty"`
	UserID     string  `json:"user_id"`
	Importance float64 `json:"importance,omitempty"`
}

// PromoteTurn copies a turn into long-term memory
func (h *Handlers) PromoteTurn(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := decodeBody(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	turn, err := intParam(r, "turn")
	if err != nil {
		writeError(w, err)
		return
	}

	rec, t, err := h.svc.PromoteTurn(r.Context(), service.PromoteInput{
		SessionID:  chi.URLParam(r, "session"),
		Turn:       turn,
		Agent:      req.Agent,
		UserID:     req.UserID,
		Importance: req.Importance,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, itemResponse{ItemID: rec.ID, Item: rec, trackedResponse: tracked(t)})
}

// ChainStatus reports the chain client and ledger counts
func (h *Handlers) ChainStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	stats, err := h.svc.Ledger().Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	lastBlock, anyConfirmed, err := h.svc.Ledger().LastConfirmedBlock(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"mode":                 h.app.Chain.Mode(),
		"ledger":               stats,
		"reconciler":           h.app.Reconciler.Stats(),
		"last_confirmed_block": int64(-1),
		"synced":               false,
	}
	if anyConfirmed {
		resp["last_confirmed_block"] = lastBlock
	}

	start := time.Now()
	if err := h.app.Chain.Ping(ctx); err != nil {
		resp["reachable"] = false
		resp["error"] = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp["reachable"] = true
	resp["rpc_latency_ms"] = time.Since(start).Milliseconds()

	head, err := h.app.Chain.Head(ctx)
	if err != nil {
		resp["reachable"] = false
		resp["error"] = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp["head"] = head
	// synced: every block up to the head holds a confirmed entry of ours
	resp["synced"] = anyConfirmed && head > 0 && lastBlock >= head
	writeJSON(w, http.StatusOK, resp)
}

// Reconcile runs one reconciliation pass now
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	pass, err := h.app.Reconciler.RunOnce(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStorage, "api.reconcile", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pass":        pass,
		"duration_ms": pass.Duration.Milliseconds(),
	})
}

// Verify re-derives every proof hash and reports inconsistencies.
// ?repair=true also fixes on_chain flags.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.Verifier.Verify(r.Context(), integrity.Options{Repair: r.URL.Query().Get("repair") == "true"})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  res.Valid(),
		"result": res,
	})
}
