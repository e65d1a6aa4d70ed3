package main

import (
	"log"
	"net/http"
)

// ServeHTTP routes incoming requests with the teacher's flat switch plus
// prefix-matching style; there is no third-party router here, only the
// handful of fixed endpoints this gateway exposes.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Debug {
		log.Printf("incoming %s %s", r.Method, r.URL.Path)
	}

	switch r.URL.Path {
	case "/v1/messages":
		a.handleMessages(w, r)
		return
	case "/v1/chat/completions":
		a.handleChatCompletions(w, r)
		return
	case "/v1/models":
		a.handleModels(w, r)
		return
	case "/health":
		a.handleHealth(w, r)
		return
	case "/account-limits":
		a.handleAccountLimits(w, r)
		return
	case "/refresh-token":
		a.handleRefreshToken(w, r)
		return
	case "/metrics":
		a.metrics.serve(w, r)
		return
	case "/api/flows":
		a.handleFlows(w, r)
		return
	case "/api/admin/config":
		a.handleAdminConfig(w, r)
		return
	case "/api/admin/backup":
		a.handleAdminBackup(w, r)
		return
	case "/api/admin/backups":
		a.handleAdminBackups(w, r)
		return
	}

	http.NotFound(w, r)
}
