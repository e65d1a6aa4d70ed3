package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

func (a *App) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, _, err := readBodyForReplay(r.Body, false, 0)
	if err != nil {
		respondError(w, &ClassifiedError{Taxonomy: TaxonomyInvalidRequest, Status: 400, Message: err.Error()})
		return
	}
	req, err := ParseMessagesRequest(body)
	if err != nil {
		respondError(w, &ClassifiedError{Taxonomy: TaxonomyInvalidRequest, Status: 400, Message: err.Error()})
		return
	}
	req.ClientIP = getClientIP(r)

	outcome, err := a.runMessagesPipeline(r.Context(), w, req)
	if err != nil {
		a.writePipelineError(w, err)
		return
	}
	if outcome.Streamed {
		return
	}
	if outcome.Header != nil {
		copyHeader(w.Header(), outcome.Header)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcome.StatusCode)
	w.Write(outcome.Body)
}

func (a *App) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, _, err := readBodyForReplay(r.Body, false, 0)
	if err != nil {
		respondError(w, &ClassifiedError{Taxonomy: TaxonomyInvalidRequest, Status: 400, Message: err.Error()})
		return
	}
	req, err := ParseChatCompletionsRequest(body)
	if err != nil {
		respondError(w, &ClassifiedError{Taxonomy: TaxonomyInvalidRequest, Status: 400, Message: err.Error()})
		return
	}
	if req.Stream {
		respondError(w, &ClassifiedError{Taxonomy: TaxonomyInvalidRequest, Status: 400, Message: "streaming is not supported on /v1/chat/completions"})
		return
	}
	req.ClientIP = getClientIP(r)

	responseBody, err := a.runChatCompletionsPipeline(r.Context(), req)
	if err != nil {
		a.writePipelineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseBody)
}

func (a *App) writePipelineError(w http.ResponseWriter, err error) {
	if pe, ok := err.(*pipelineError); ok {
		respondError(w, pe.classified)
		return
	}
	respondError(w, &ClassifiedError{Taxonomy: TaxonomyAPI, Status: 500, Message: err.Error()})
}

var staticModels = []map[string]any{
	{"id": "claude-opus-4-5-thinking", "object": "model"},
	{"id": "claude-sonnet-4-5-thinking", "object": "model"},
	{"id": "claude-sonnet-4-5", "object": "model"},
	{"id": FreeModelForBackground, "object": "model"},
}

func (a *App) handleModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": staticModels})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	accounts := a.pool.Snapshot()
	summary := make([]map[string]any, 0, len(accounts))
	for _, acc := range accounts {
		summary = append(summary, map[string]any{
			"email":         acc.Email,
			"healthScore":   acc.HealthScore,
			"isRateLimited": acc.IsRateLimited,
			"isInvalid":     acc.IsInvalid,
			"recommended":   acc.Recommended,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"uptimeSeconds": int(time.Since(a.startTime).Seconds()),
		"accounts":     summary,
		"recentErrors": a.recent.snapshot(),
	})
}

func (a *App) handleAccountLimits(w http.ResponseWriter, r *http.Request) {
	accounts := a.pool.Snapshot()
	snapshot, err := a.quota.Snapshot(accounts)
	if err != nil {
		respondError(w, &ClassifiedError{Taxonomy: TaxonomyAPI, Status: 500, Message: err.Error()})
		return
	}
	if r.URL.Query().Get("format") == "table" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, s := range snapshot {
			fmt.Fprintf(w, "%-32s health=%-4d\n", s.Email, s.HealthScore)
			for model, usage := range s.Models {
				fmt.Fprintf(w, "  %-28s requests=%-6d in=%-10d out=%-10d\n", model, usage.RequestCount, usage.InputTokens, usage.OutputTokens)
			}
		}
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

func (a *App) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.tokens.InvalidateAll()
	accounts := a.pool.Snapshot()
	var lastErr error
	for i := range accounts {
		acc := a.pool.Find(accounts[i].Email)
		if acc == nil {
			continue
		}
		if _, err := a.tokens.GetTokenForAccount(r.Context(), acc); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		respondError(w, &ClassifiedError{Taxonomy: TaxonomyAuthentication, Status: 401, Message: lastErr.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) handleFlows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		if day := r.URL.Query().Get("day"); day != "" {
			events, err := LoadFlowDay(a.cfg.FlowDir, day)
			if err != nil {
				respondError(w, &ClassifiedError{Taxonomy: TaxonomyAPI, Status: 500, Message: err.Error()})
				return
			}
			respondJSON(w, http.StatusOK, events)
			return
		}
		respondJSON(w, http.StatusOK, a.flows.Recent(limit))
	case http.MethodDelete:
		if !a.adminKeyOK(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		a.flows.Reset()
		respondJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
