package main

import (
	"net/http"
	"sync"
	"time"
)

// AdminSettings is the runtime-patchable subset exposed over
// GET/POST /api/admin/config.
type AdminSettings struct {
	AllowLanAccess bool `json:"allowLanAccess"`
	MaxFlowEntries int  `json:"maxFlowEntries"`
	Telemetry      bool `json:"telemetry"`
}

// App is the single root value owning every long-lived dependency. It is
// constructed once at startup and passed to the router/handlers; there are
// no package-level globals for request-serving state.
type App struct {
	cfg       ConfigFile
	configPath string

	pool      *AccountPool
	store     *CredentialStore
	tokens    *TokenResolver
	upstream  *UpstreamClient
	quota     *QuotaStore
	flows     *FlowMonitor
	metrics   *metrics
	recent    *recentErrors

	adminMu  sync.Mutex
	admin    AdminSettings

	startTime time.Time
}

// NewApp wires every component together from a loaded config and the
// credential store's initial snapshot.
func NewApp(cfg ConfigFile, configPath string, pool *AccountPool, store *CredentialStore, tokens *TokenResolver, upstream *UpstreamClient, quota *QuotaStore, flows *FlowMonitor) *App {
	return &App{
		cfg:        cfg,
		configPath: configPath,
		pool:       pool,
		store:      store,
		tokens:     tokens,
		upstream:   upstream,
		quota:      quota,
		flows:      flows,
		metrics:    newMetrics(),
		recent:     newRecentErrors(50),
		admin: AdminSettings{
			AllowLanAccess: cfg.AllowLanAccess,
			MaxFlowEntries: cfg.MaxFlowEntries,
			Telemetry:      cfg.Telemetry,
		},
		startTime: time.Now(),
	}
}

func (a *App) adminSnapshot() AdminSettings {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	return a.admin
}

// adminKeyOK enforces the shared-secret header. Per spec, an empty
// configured key means the admin surface is open.
func (a *App) adminKeyOK(r *http.Request) bool {
	if a.cfg.AdminKey == "" {
		return true
	}
	return r.Header.Get("X-Admin-Key") == a.cfg.AdminKey
}
