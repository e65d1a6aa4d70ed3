package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

const configFileName = "config.toml"

func buildConfigFile() ConfigFile {
	cfg, err := loadConfigFile(configFileName)
	if err != nil {
		log.Printf("warning: failed to load %s: %v", configFileName, err)
	}
	if cfg == nil {
		cfg = &ConfigFile{}
	}

	cfg.ListenAddr = getConfigString("GATEWAY_LISTEN_ADDR", cfg.ListenAddr, "127.0.0.1:8787")
	cfg.PoolDir = getConfigString("GATEWAY_POOL_DIR", cfg.PoolDir, "data")
	cfg.DefaultDBPath = getConfigString("GATEWAY_DEFAULT_DB_PATH", cfg.DefaultDBPath, "")
	cfg.QuotaDBPath = getConfigString("GATEWAY_QUOTA_DB_PATH", cfg.QuotaDBPath, "data/quota.db")
	cfg.FlowDir = getConfigString("GATEWAY_FLOW_DIR", cfg.FlowDir, "data/flows")
	cfg.Debug = getConfigBool("GATEWAY_DEBUG", cfg.Debug, false)
	cfg.AdminKey = getConfigString("GATEWAY_ADMIN_KEY", cfg.AdminKey, "")
	cfg.AllowLanAccess = getConfigBool("GATEWAY_ALLOW_LAN_ACCESS", cfg.AllowLanAccess, false)
	cfg.MaxFlowEntries = getConfigInt("GATEWAY_MAX_FLOW_ENTRIES", cfg.MaxFlowEntries, 500)
	cfg.Telemetry = getConfigBool("GATEWAY_TELEMETRY", cfg.Telemetry, false)
	cfg.CooldownDurationMs = getConfigInt64("GATEWAY_COOLDOWN_MS", cfg.CooldownDurationMs, DefaultCooldownMs)
	cfg.AffinityLockMs = getConfigInt64("GATEWAY_AFFINITY_LOCK_MS", cfg.AffinityLockMs, TimeWindowLockMs)
	cfg.BackupRetain = getConfigInt("GATEWAY_BACKUP_RETAIN", cfg.BackupRetain, 5)
	cfg.FlowRetainDays = getConfigInt("GATEWAY_FLOW_RETAIN_DAYS", cfg.FlowRetainDays, 7)

	// PORT overrides the configured listen port; ANTIGRAVITY_PORT/HOST
	// override for the desktop daemon embedding this gateway.
	if port := os.Getenv("PORT"); port != "" {
		cfg.ListenAddr = hostPortOverride(cfg.ListenAddr, os.Getenv("ANTIGRAVITY_HOST"), port)
	}
	if port := os.Getenv("ANTIGRAVITY_PORT"); port != "" {
		cfg.ListenAddr = hostPortOverride(cfg.ListenAddr, os.Getenv("ANTIGRAVITY_HOST"), port)
	}
	return *cfg
}

func hostPortOverride(current, host, port string) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return host + ":" + port
}

func main() {
	cfg := buildConfigFile()

	store, err := NewCredentialStore(cfg.PoolDir + "/accounts.json")
	if err != nil {
		log.Fatalf("open credential store: %v", err)
	}
	doc, err := store.Load()
	if err != nil {
		log.Fatalf("load credential store: %v", err)
	}
	if doc.Settings.CooldownDurationMs == 0 {
		doc.Settings.CooldownDurationMs = cfg.CooldownDurationMs
	}
	if doc.Settings.AffinityLockMs == 0 {
		doc.Settings.AffinityLockMs = cfg.AffinityLockMs
	}
	accounts := BuildAccounts(doc)
	if len(accounts) == 0 && cfg.DefaultDBPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), dbExtractBudget)
		fallback, fallbackErr := DefaultAccountFromDatabase(ctx, cfg.DefaultDBPath)
		cancel()
		if fallbackErr != nil {
			log.Printf("warning: default account extraction from %s failed: %v", cfg.DefaultDBPath, fallbackErr)
		} else {
			accounts = []*Account{fallback}
			log.Printf("extracted a default account from %s", cfg.DefaultDBPath)
		}
	}
	if len(accounts) == 0 {
		log.Printf("warning: loaded 0 accounts from %s", cfg.PoolDir)
	}
	pool := NewAccountPool(accounts, doc.Settings, store, cfg.Debug)

	transport := NewUpstreamTransport()
	httpClient := &http.Client{Transport: transport}
	oauth := NewOAuthClient(defaultOAuthConfig(), httpClient)
	tokens := NewTokenResolver(oauth, httpClient)
	upstream := NewUpstreamClient(defaultUpstreamConfig(), transport)

	quota, err := NewQuotaStore(cfg.QuotaDBPath, cfg.FlowRetainDays)
	if err != nil {
		log.Fatalf("open quota store: %v", err)
	}
	defer quota.Close()

	flows := NewFlowMonitor(cfg.FlowDir, cfg.MaxFlowEntries)
	if err := PurgeOldFlowLogs(cfg.FlowDir, cfg.FlowRetainDays); err != nil {
		log.Printf("warning: purge old flow logs: %v", err)
	}

	app := NewApp(cfg, configFileName, pool, store, tokens, upstream, quota, flows)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}

	http2Srv := &http2.Server{
		MaxConcurrentStreams:         250,
		IdleTimeout:                  5 * time.Minute,
		MaxUploadBufferPerConnection: 1 << 20,
		MaxUploadBufferPerStream:     1 << 20,
		MaxReadFrameSize:             1 << 20,
	}
	if err := http2.ConfigureServer(srv, http2Srv); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	log.Printf("gateway listening on %s (accounts=%d)", cfg.ListenAddr, len(accounts))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
