package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// dbExtractBudget bounds how long a local-database credential extraction may
// take before the resolver falls back to treating the account as unusable.
const dbExtractBudget = 5 * time.Second

// extractFromDatabase shells out to the sqlite3 CLI to pull a refresh token
// and project id out of a local credential database, as an out-of-process
// call bounded by dbExtractBudget. Accounts sourced from a desktop
// application's local SQLite store are read this way rather than linked in
// via a SQLite driver dependency, since the extraction is a one-shot lookup
// on process startup and refresh, not a hot path.
func extractFromDatabase(ctx context.Context, dbPath, table, tokenColumn, projectColumn, whereClause string) (refreshToken, projectID string, err error) {
	ctx, cancel := context.WithTimeout(ctx, dbExtractBudget)
	defer cancel()

	query := fmt.Sprintf("SELECT %s, %s FROM %s", tokenColumn, projectColumn, table)
	if whereClause != "" {
		query += " WHERE " + whereClause
	}
	query += " LIMIT 1;"

	cmd := exec.CommandContext(ctx, "sqlite3", "-separator", "\x1f", dbPath, query)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", "", fmt.Errorf("sqlite extraction timed out after %s", dbExtractBudget)
		}
		return "", "", fmt.Errorf("sqlite3 %s: %w (%s)", dbPath, err, strings.TrimSpace(stderr.String()))
	}

	line := strings.TrimSpace(stdout.String())
	if line == "" {
		return "", "", fmt.Errorf("no rows returned from %s", dbPath)
	}
	parts := strings.SplitN(line, "\x1f", 2)
	refreshToken = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		projectID = strings.TrimSpace(parts[1])
	}
	if refreshToken == "" {
		return "", "", fmt.Errorf("empty token column in %s", dbPath)
	}
	return refreshToken, projectID, nil
}
