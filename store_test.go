package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialStoreLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCredentialStore(filepath.Join(dir, "accounts.json"))
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Settings.CooldownDurationMs != DefaultCooldownMs {
		t.Fatalf("expected default cooldown, got %+v", doc.Settings)
	}
	if len(doc.Accounts) != 0 {
		t.Fatalf("expected no accounts for a missing file, got %d", len(doc.Accounts))
	}
}

func TestCredentialStoreSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCredentialStore(filepath.Join(dir, "accounts.json"))
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}

	doc := CredentialDocument{
		Accounts: []Account{{Email: "a", Source: SourceManual, ManualKey: "k"}},
		Settings: defaultPoolSettings(),
	}
	if err := store.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Accounts) != 1 || loaded.Accounts[0].Email != "a" {
		t.Fatalf("expected the saved account to round-trip, got %+v", loaded.Accounts)
	}
}

func TestCredentialStoreSaveIsAtomicNoStrayTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	store, err := NewCredentialStore(path)
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	if err := store.Save(CredentialDocument{Settings: defaultPoolSettings()}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("expected no leftover temp file, found %s", e.Name())
		}
	}
}

func TestCredentialStoreBackupCreatesDirWithAccountsAndLabel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	store, err := NewCredentialStore(path)
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	if err := store.Save(CredentialDocument{Accounts: []Account{{Email: "a"}}, Settings: defaultPoolSettings()}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	descriptor, err := store.Backup(5, "pre-migration", "")
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if descriptor.Label != "pre-migration" || descriptor.Stamp == "" {
		t.Fatalf("unexpected descriptor: %+v", descriptor)
	}

	backupDir := filepath.Join(dir, "backups", descriptor.Stamp)
	if _, err := os.Stat(filepath.Join(backupDir, "accounts.json")); err != nil {
		t.Fatalf("expected accounts.json in backup dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backupDir, "label.txt")); err != nil {
		t.Fatalf("expected label.txt in backup dir: %v", err)
	}

	backups, err := store.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 || backups[0].Stamp != descriptor.Stamp {
		t.Fatalf("expected exactly one listed backup, got %+v", backups)
	}
}

func TestPruneBackupsLockedRetainsMostRecent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCredentialStore(filepath.Join(dir, "accounts.json"))
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}

	stamps := []string{"20260101-000000", "20260102-000000", "20260103-000000", "20260104-000000"}
	for _, s := range stamps {
		if err := os.MkdirAll(filepath.Join(store.backupAt, s), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}

	if err := store.pruneBackupsLocked(2); err != nil {
		t.Fatalf("pruneBackupsLocked: %v", err)
	}

	entries, err := os.ReadDir(store.backupAt)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 retained backups, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Name() != "20260103-000000" && e.Name() != "20260104-000000" {
			t.Fatalf("expected the two most recent stamps to survive, found %s", e.Name())
		}
	}
}

func TestBuildAccountsPreservesLoadOrder(t *testing.T) {
	doc := CredentialDocument{Accounts: []Account{{Email: "a"}, {Email: "b"}, {Email: "c"}}}
	accounts := BuildAccounts(doc)
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}
	for i, email := range []string{"a", "b", "c"} {
		if accounts[i].Email != email {
			t.Fatalf("expected load order to be preserved, got %s at index %d", accounts[i].Email, i)
		}
	}
}
