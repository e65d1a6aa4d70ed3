package main

import (
	"encoding/json"
	"net/http"
)

// handleAdminConfig serves GET/POST /api/admin/config: read or patch the
// runtime-patchable subset {allowLanAccess, maxFlowEntries, telemetry}.
func (a *App) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	if !a.adminKeyOK(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, a.adminSnapshot())
	case http.MethodPost:
		var patch AdminSettings
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			respondError(w, &ClassifiedError{Taxonomy: TaxonomyInvalidRequest, Status: 400, Message: err.Error()})
			return
		}
		if patch.MaxFlowEntries != 0 && (patch.MaxFlowEntries < 50 || patch.MaxFlowEntries > 2000) {
			respondError(w, &ClassifiedError{Taxonomy: TaxonomyInvalidRequest, Status: 400, Message: "maxFlowEntries must be between 50 and 2000"})
			return
		}

		a.adminMu.Lock()
		requiresRestart := patch.AllowLanAccess != a.admin.AllowLanAccess
		a.admin = patch
		a.adminMu.Unlock()

		a.cfg.AllowLanAccess = patch.AllowLanAccess
		a.cfg.MaxFlowEntries = patch.MaxFlowEntries
		a.cfg.Telemetry = patch.Telemetry
		if a.configPath != "" {
			if err := saveConfigFile(a.configPath, &a.cfg); err != nil {
				respondError(w, &ClassifiedError{Taxonomy: TaxonomyAPI, Status: 500, Message: err.Error()})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]any{"requiresRestart": requiresRestart})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type adminBackupRequest struct {
	Label string `json:"label"`
}

// handleAdminBackup serves POST /api/admin/backup and GET /api/admin/backups.
func (a *App) handleAdminBackup(w http.ResponseWriter, r *http.Request) {
	if !a.adminKeyOK(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req adminBackupRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	retain := a.cfg.BackupRetain
	if retain < 5 {
		retain = 5
	}
	descriptor, err := a.store.Backup(retain, req.Label, a.configPath)
	if err != nil {
		respondError(w, &ClassifiedError{Taxonomy: TaxonomyAPI, Status: 500, Message: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, descriptor)
}

func (a *App) handleAdminBackups(w http.ResponseWriter, r *http.Request) {
	if !a.adminKeyOK(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	backups, err := a.store.ListBackups()
	if err != nil {
		respondError(w, &ClassifiedError{Taxonomy: TaxonomyAPI, Status: 500, Message: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, backups)
}
