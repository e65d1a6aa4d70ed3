package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// projectEndpoint is one candidate in the ordered project-discovery fallback
// list: the resolver tries each in turn and returns the first well-formed
// response.
type projectEndpoint struct {
	name  string
	fetch func(ctx context.Context, client *http.Client, accessToken string) (string, error)
}

var defaultProjectEndpoints = []projectEndpoint{
	{name: "loadCodeAssist", fetch: fetchProjectViaLoadCodeAssist},
	{name: "resourceManager", fetch: fetchProjectViaResourceManager},
}

type tokenCacheEntry struct {
	accessToken string
	expiresAt   time.Time
}

type projectCacheEntry struct {
	projectID string
	fetchedAt time.Time
}

// TokenResolver resolves a usable access token and GCP-style project id for
// an account, caching both per email with a TTL, and coalescing concurrent
// refreshes for the same account behind a singleflight group so a burst of
// requests against a just-expired token only triggers one upstream refresh.
type TokenResolver struct {
	mu        sync.Mutex
	tokens    map[string]tokenCacheEntry
	projects  map[string]projectCacheEntry
	inflight  singleflight.Group
	oauth     *OAuthClient
	endpoints []projectEndpoint
	client    *http.Client
}

func NewTokenResolver(oauth *OAuthClient, client *http.Client) *TokenResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenResolver{
		tokens:    make(map[string]tokenCacheEntry),
		projects:  make(map[string]projectCacheEntry),
		oauth:     oauth,
		endpoints: defaultProjectEndpoints,
		client:    client,
	}
}

// GetTokenForAccount returns a usable access token for the account,
// refreshing it if the cache entry is missing, expired, or within the
// refresh skew of expiring. Manual-key accounts return the key verbatim.
func (r *TokenResolver) GetTokenForAccount(ctx context.Context, a *Account) (string, error) {
	a.mu.Lock()
	source := a.Source
	manualKey := a.ManualKey
	refreshToken := a.RefreshToken
	email := a.Email
	a.mu.Unlock()

	if source == SourceManual {
		if manualKey == "" {
			return "", fmt.Errorf("account %s has no manual key", email)
		}
		return manualKey, nil
	}

	r.mu.Lock()
	entry, ok := r.tokens[email]
	r.mu.Unlock()
	if ok && time.Until(entry.expiresAt) > 2*time.Minute {
		return entry.accessToken, nil
	}

	v, err, _ := r.inflight.Do(email, func() (any, error) {
		return r.refreshLocked(ctx, email, source, refreshToken, a)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *TokenResolver) refreshLocked(ctx context.Context, email string, source AccountSource, refreshToken string, a *Account) (string, error) {
	var access string
	var expiresIn int64
	var newRefresh string

	switch source {
	case SourceOAuth:
		if r.oauth == nil {
			return "", fmt.Errorf("oauth client not configured")
		}
		resp, err := r.oauth.RefreshAccessToken(ctx, refreshToken)
		if err != nil {
			return "", err
		}
		access = resp.AccessToken
		expiresIn = resp.ExpiresIn
		newRefresh = resp.RefreshToken
	case SourceDatabase:
		a.mu.Lock()
		dbPath := a.DatabasePath
		a.mu.Unlock()
		if dbPath == "" {
			return "", fmt.Errorf("account %s has no database path", email)
		}
		token, projectID, err := extractFromDatabase(ctx, dbPath, "credentials", "refresh_token", "project_id", "")
		if err != nil {
			return "", fmt.Errorf("extract from local database: %w", err)
		}
		if r.oauth == nil {
			return "", fmt.Errorf("oauth client not configured")
		}
		resp, err := r.oauth.RefreshAccessToken(ctx, token)
		if err != nil {
			return "", err
		}
		access = resp.AccessToken
		expiresIn = resp.ExpiresIn
		newRefresh = resp.RefreshToken
		if projectID != "" {
			r.mu.Lock()
			r.projects[email] = projectCacheEntry{projectID: projectID, fetchedAt: time.Now()}
			r.mu.Unlock()
		}
	default:
		return "", fmt.Errorf("unknown account source %q", source)
	}

	if access == "" {
		return "", fmt.Errorf("refresh for %s returned an empty access token", email)
	}
	if expiresIn <= 0 {
		expiresIn = int64(TokenRefreshInterval.Seconds())
	}

	a.mu.Lock()
	if newRefresh != "" {
		a.RefreshToken = newRefresh
	}
	a.mu.Unlock()

	r.mu.Lock()
	r.tokens[email] = tokenCacheEntry{
		accessToken: access,
		expiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	r.mu.Unlock()

	return access, nil
}

// GetProjectForAccount resolves the account's project id, preferring an
// explicitly configured value, then the cache, then the endpoint fallback
// list (first well-formed response wins).
func (r *TokenResolver) GetProjectForAccount(ctx context.Context, a *Account, accessToken string) (string, error) {
	a.mu.Lock()
	configured := a.ProjectID
	email := a.Email
	a.mu.Unlock()
	if configured != "" {
		return configured, nil
	}

	r.mu.Lock()
	entry, ok := r.projects[email]
	r.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < 24*time.Hour {
		return entry.projectID, nil
	}

	v, err, _ := r.inflight.Do("project:"+email, func() (any, error) {
		var lastErr error
		for _, ep := range r.endpoints {
			projectID, err := ep.fetch(ctx, r.client, accessToken)
			if err == nil && strings.TrimSpace(projectID) != "" {
				return strings.TrimSpace(projectID), nil
			}
			if err != nil {
				lastErr = err
			}
		}
		if lastErr == nil {
			lastErr = errors.New("no project-discovery endpoint returned a project id")
		}
		return "", lastErr
	})
	if err != nil {
		if configured == "" {
			return DefaultProjectID, nil
		}
		return "", err
	}

	projectID := v.(string)
	r.mu.Lock()
	r.projects[email] = projectCacheEntry{projectID: projectID, fetchedAt: time.Now()}
	r.mu.Unlock()
	return projectID, nil
}

// InvalidateAccount clears the cached token and project for email so the
// next resolution re-derives both from scratch. Used on authentication
// failures before the pipeline's single forced refresh attempt.
func (r *TokenResolver) InvalidateAccount(email string) {
	r.mu.Lock()
	delete(r.tokens, email)
	delete(r.projects, email)
	r.mu.Unlock()
}

// InvalidateAll clears every cached token and project, used when the pool
// as a whole needs to re-probe upstream (POST /refresh-token).
func (r *TokenResolver) InvalidateAll() {
	r.mu.Lock()
	r.tokens = make(map[string]tokenCacheEntry)
	r.projects = make(map[string]projectCacheEntry)
	r.mu.Unlock()
}

type loadCodeAssistResponse struct {
	CloudAICompanionProject string `json:"cloudaicompanionProject"`
}

func fetchProjectViaLoadCodeAssist(ctx context.Context, client *http.Client, accessToken string) (string, error) {
	if accessToken == "" {
		return "", errors.New("missing access token")
	}
	body := strings.NewReader(`{"metadata":{"ideType":"ANTIGRAVITY"}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:loadCodeAssist", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loadCodeAssist returned HTTP %d", resp.StatusCode)
	}
	var decoded loadCodeAssistResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", err
	}
	return decoded.CloudAICompanionProject, nil
}

type resourceManagerProject struct {
	ProjectID      string `json:"projectId"`
	Name           string `json:"name"`
	LifecycleState string `json:"lifecycleState"`
}

type resourceManagerProjectsResponse struct {
	Projects      []resourceManagerProject `json:"projects"`
	NextPageToken string                   `json:"nextPageToken"`
}

func fetchProjectViaResourceManager(ctx context.Context, client *http.Client, accessToken string) (string, error) {
	if accessToken == "" {
		return "", errors.New("missing access token")
	}

	pageToken := ""
	for page := 0; page < 5; page++ {
		reqURL, err := url.Parse("https://cloudresourcemanager.googleapis.com/v1/projects")
		if err != nil {
			return "", err
		}
		q := reqURL.Query()
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		reqURL.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
		resp.Body.Close()
		if readErr != nil {
			return "", readErr
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("resource manager returned HTTP %d", resp.StatusCode)
		}

		var decoded resourceManagerProjectsResponse
		if err := json.Unmarshal(data, &decoded); err != nil {
			return "", err
		}
		if selected := selectProjectID(decoded.Projects); selected != "" {
			return selected, nil
		}
		if decoded.NextPageToken == "" {
			break
		}
		pageToken = decoded.NextPageToken
	}
	return "", errors.New("no ACTIVE project found")
}

func selectProjectID(projects []resourceManagerProject) string {
	var firstActive string
	for _, p := range projects {
		if strings.ToUpper(strings.TrimSpace(p.LifecycleState)) != "ACTIVE" {
			continue
		}
		projectID := strings.TrimSpace(p.ProjectID)
		if projectID == "" {
			continue
		}
		if firstActive == "" {
			firstActive = projectID
		}
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if strings.Contains(name, "default") || strings.Contains(strings.ToLower(projectID), "default") {
			return projectID
		}
	}
	return firstActive
}
