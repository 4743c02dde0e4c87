package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/mnemos/internal/consolidation"
	"github.com/ent0n29/mnemos/internal/conversation"
	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/provider"
	"github.com/ent0n29/mnemos/internal/recall"
)

// MemoryAPI holds the components behind the /memory routes. Every field
// is required when the routes are mounted.
type MemoryAPI struct {
	Backend       memory.Backend
	History       *memory.ChatHistory
	Vectors       *memory.VectorMemory
	Assembler     *recall.Assembler
	Conversations *conversation.Service
	Dispatcher    *consolidation.Dispatcher
}

const maxBodyBytes = 1 << 20

func (m *MemoryAPI) routes(r chi.Router) {
	r.Post("/chat", m.handleChat)
	r.Post("/chat/end", m.handleEndChat)
	r.Get("/short-term/{userID}", m.handleShortTerm)
	r.Post("/long-term", m.handleRemember)
	r.Get("/long-term/{userID}", m.handleListLongTerm)
	r.Patch("/long-term/{userID}/{memoryID}", m.handleUpdateLongTerm)
	r.Delete("/long-term/{userID}/{memoryID}", m.handleDeleteLongTerm)
	r.Post("/search/long-term", m.handleSearchLongTerm)
	r.Get("/context/{userID}", m.handleContext)
	r.Get("/user/{userID}", m.handleUser)
	r.Post("/consolidate/{userID}", m.handleConsolidate)
	r.Post("/cleanup", m.handleCleanup)
}

func (m *MemoryAPI) handleChat(w http.ResponseWriter, r *http.Request) {
	var msg conversation.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	reply, err := m.Conversations.HandleMessage(r.Context(), msg)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

type endChatRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (m *MemoryAPI) handleEndChat(w http.ResponseWriter, r *http.Request) {
	var req endChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and session_id are required")
		return
	}
	queued := m.Conversations.EndConversation(req.UserID, req.SessionID)
	respondJSON(w, http.StatusAccepted, map[string]any{"consolidation_queued": queued})
}

func (m *MemoryAPI) handleShortTerm(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	var turns []memory.ChatTurn
	err := memory.WithTx(r.Context(), m.Backend, func(tx memory.Tx) error {
		var err error
		turns, err = m.History.Recent(r.Context(), tx, chi.URLParam(r, "userID"), r.URL.Query().Get("session_id"), limit)
		return err
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(turns))
}

type rememberRequest struct {
	UserID          string   `json:"user_id"`
	Content         string   `json:"content"`
	Summary         string   `json:"summary"`
	Type            string   `json:"memory_type"`
	Importance      *float64 `json:"importance"`
	SourceSessionID string   `json:"source_session_id"`
}

func (m *MemoryAPI) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
	}
	var created memory.LongTermMemory
	err := memory.WithTx(r.Context(), m.Backend, func(tx memory.Tx) error {
		var err error
		created, err = m.Vectors.Remember(r.Context(), tx, memory.NewMemory{
			UserID:          req.UserID,
			Content:         req.Content,
			Summary:         req.Summary,
			Type:            req.Type,
			Importance:      importance,
			SourceSessionID: req.SourceSessionID,
		})
		return err
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (m *MemoryAPI) handleListLongTerm(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	minImportance, ok := queryFloat(w, r, "min_importance")
	if !ok {
		return
	}
	var out []memory.LongTermMemory
	err := memory.WithTx(r.Context(), m.Backend, func(tx memory.Tx) error {
		var err error
		out, err = m.Vectors.List(r.Context(), tx, memory.ListOptions{
			UserID:        chi.URLParam(r, "userID"),
			Type:          r.URL.Query().Get("memory_type"),
			MinImportance: minImportance,
			Limit:         limit,
		})
		return err
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(out))
}

type updateRequest struct {
	Content string `json:"content"`
}

func (m *MemoryAPI) handleUpdateLongTerm(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var updated memory.LongTermMemory
	err := memory.WithTx(r.Context(), m.Backend, func(tx memory.Tx) error {
		id, err := m.ownedMemory(r.Context(), tx, r)
		if err != nil {
			return err
		}
		updated, err = m.Vectors.UpdateContent(r.Context(), tx, id, req.Content)
		return err
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (m *MemoryAPI) handleDeleteLongTerm(w http.ResponseWriter, r *http.Request) {
	err := memory.WithTx(r.Context(), m.Backend, func(tx memory.Tx) error {
		id, err := m.ownedMemory(r.Context(), tx, r)
		if err != nil {
			return err
		}
		_, err = m.Vectors.Delete(r.Context(), tx, id)
		return err
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedMemory resolves the memory in the path and hides it from other users.
func (m *MemoryAPI) ownedMemory(ctx context.Context, tx memory.Tx, r *http.Request) (string, error) {
	id := chi.URLParam(r, "memoryID")
	current, err := m.Vectors.Get(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if current.UserID != chi.URLParam(r, "userID") {
		return "", &memory.NotFoundError{Kind: "memory", ID: id}
	}
	return id, nil
}

type searchRequest struct {
	UserID        string  `json:"user_id"`
	Query         string  `json:"query"`
	MinImportance float64 `json:"min_importance"`
	Limit         int     `json:"limit"`
}

func (m *MemoryAPI) handleSearchLongTerm(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and query are required")
		return
	}
	var hits []memory.ScoredMemory
	err := memory.WithTx(r.Context(), m.Backend, func(tx memory.Tx) error {
		var err error
		hits, err = m.Vectors.SearchText(r.Context(), tx, req.UserID, req.Query, req.MinImportance, req.Limit)
		return err
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(hits))
}

func (m *MemoryAPI) handleContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stm, ok := queryInt(w, r, "stm_limit")
	if !ok {
		return
	}
	ltm, ok := queryInt(w, r, "ltm_limit")
	if !ok {
		return
	}
	var bundle recall.Bundle
	err := memory.WithTx(r.Context(), m.Backend, func(tx memory.Tx) error {
		var err error
		bundle, err = m.Assembler.Assemble(r.Context(), tx, chi.URLParam(r, "userID"), q.Get("query"), recall.Options{
			SessionID:      q.Get("session_id"),
			ShortTermLimit: stm,
			LongTermLimit:  ltm,
		})
		return err
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"context":   bundle,
		"formatted": bundle.Format(),
	})
}

func (m *MemoryAPI) handleUser(w http.ResponseWriter, r *http.Request) {
	var info memory.UserInfo
	err := memory.WithTx(r.Context(), m.Backend, func(tx memory.Tx) error {
		var err error
		info, err = memory.DescribeUser(r.Context(), tx, m.Backend.Users(), m.History, m.Vectors, chi.URLParam(r, "userID"))
		return err
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (m *MemoryAPI) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	force := true
	if raw := q.Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "force must be a boolean")
			return
		}
		force = v
	}
	res, err := m.Dispatcher.Run(r.Context(), consolidation.Job{
		Key:   consolidation.Key{UserID: chi.URLParam(r, "userID"), SessionID: q.Get("session_id")},
		Force: force,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (m *MemoryAPI) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := memory.PurgeOnce(r.Context(), m.Backend, m.History)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", key+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

func queryFloat(w http.ResponseWriter, r *http.Request, key string) (float64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", key+" must be a number")
		return 0, false
	}
	return v, true
}

func respondFailure(w http.ResponseWriter, err error) {
	switch {
	case memory.IsValidation(err):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case memory.IsNotFound(err):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case provider.IsProviderError(err):
		respondError(w, http.StatusBadGateway, "provider_failed", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
