package main

import (
	"log"
	"sort"
	"sync"
	"time"
)

// PoolSettings holds the account pool's tunable policy knobs.
type PoolSettings struct {
	CooldownDurationMs int64 `json:"cooldownDurationMs"`
	AffinityLockMs     int64 `json:"affinityLockMs"`
}

func defaultPoolSettings() PoolSettings {
	return PoolSettings{
		CooldownDurationMs: DefaultCooldownMs,
		AffinityLockMs:     TimeWindowLockMs,
	}
}

// AccountPool is the in-memory set of Account records plus the sticky
// selection policy. All access is serialized through mu; a mutation never
// holds mu across upstream I/O.
type AccountPool struct {
	mu sync.RWMutex

	accounts []*Account

	currentIndex int

	lastUsedAccount string
	lastUsedAt      time.Time

	settings PoolSettings

	store *CredentialStore
	debug bool
}

// NewAccountPool creates a pool over the given accounts (insertion order is
// load order, persisted and reused as activeIndex).
func NewAccountPool(accounts []*Account, settings PoolSettings, store *CredentialStore, debug bool) *AccountPool {
	return &AccountPool{
		accounts: accounts,
		settings: settings,
		store:    store,
		debug:    debug,
	}
}

func (p *AccountPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// SelectionResult is returned by PickStickyAccount: exactly one of Account or
// WaitMs is meaningful.
type SelectionResult struct {
	Account *Account
	WaitMs  int64
}

// PickStickyAccount implements the four-rule sticky selection policy:
// affinity lock, sticky current, wait-versus-switch, pick-next.
func (p *AccountPool) PickStickyAccount() SelectionResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.clearExpiredLimitsLocked(now)

	if len(p.accounts) == 0 {
		return SelectionResult{}
	}

	// Rule 1: affinity lock.
	if p.lastUsedAccount != "" && now.Sub(p.lastUsedAt) < time.Duration(p.settings.AffinityLockMs)*time.Millisecond {
		if acc := p.findLocked(p.lastUsedAccount); acc != nil {
			acc.mu.Lock()
			avail := acc.available()
			remaining := acc.remainingCooldown(now)
			invalid := acc.IsInvalid
			acc.mu.Unlock()
			if avail {
				return SelectionResult{Account: acc}
			}
			if !invalid && remaining > 0 && remaining <= time.Duration(ShortWaitThresholdMs)*time.Millisecond {
				return SelectionResult{WaitMs: remaining.Milliseconds()}
			}
			// invalid, or long cooldown: fall through to rule 2/3.
		}
	}

	// Rule 2: sticky current.
	if p.currentIndex >= 0 && p.currentIndex < len(p.accounts) {
		cur := p.accounts[p.currentIndex]
		cur.mu.Lock()
		avail := cur.available()
		cur.mu.Unlock()
		if avail {
			p.stampUsedLocked(cur, now)
			return SelectionResult{Account: cur}
		}

		// Rule 3: wait-versus-switch, inspecting the current account's cooldown.
		cur.mu.Lock()
		remaining := cur.remainingCooldown(now)
		isInvalid := cur.IsInvalid
		cur.mu.Unlock()

		if !isInvalid && remaining > 0 {
			switch {
			case remaining <= time.Duration(ShortWaitThresholdMs)*time.Millisecond:
				return SelectionResult{WaitMs: remaining.Milliseconds()}
			case remaining <= time.Duration(MaxWaitBeforeErrorMs)*time.Millisecond:
				if p.anyOtherAvailableLocked(cur.Email) {
					if acc := p.pickNextLocked(now); acc != nil {
						return SelectionResult{Account: acc}
					}
				}
				return SelectionResult{WaitMs: remaining.Milliseconds()}
			default:
				// remaining exceeds the wait budget: fall through to Rule 4.
			}
		}
	}

	// Rule 4: pick next.
	if acc := p.pickNextLocked(now); acc != nil {
		return SelectionResult{Account: acc}
	}

	return SelectionResult{}
}

func (p *AccountPool) anyOtherAvailableLocked(exceptEmail string) bool {
	for _, a := range p.accounts {
		if a.Email == exceptEmail {
			continue
		}
		a.mu.Lock()
		avail := a.available()
		a.mu.Unlock()
		if avail {
			return true
		}
	}
	return false
}

// pickNextLocked lazily expires cooldowns, then sorts the available set by
// (healthScore desc, lastSuccessAt desc) and returns the head. Caller holds
// the pool lock.
func (p *AccountPool) pickNextLocked(now time.Time) *Account {
	p.clearExpiredLimitsLocked(now)

	var candidates []*Account
	for _, a := range p.accounts {
		a.mu.Lock()
		avail := a.available()
		a.mu.Unlock()
		if avail {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ai, aj := candidates[i], candidates[j]
		ai.mu.Lock()
		aScore, aLast := ai.HealthScore, ai.Stats.LastSuccessAt
		ai.mu.Unlock()
		aj.mu.Lock()
		bScore, bLast := aj.HealthScore, aj.Stats.LastSuccessAt
		aj.mu.Unlock()
		if aScore != bScore {
			return aScore > bScore
		}
		return aLast.After(bLast)
	})

	chosen := candidates[0]
	for i, a := range p.accounts {
		if a == chosen {
			p.currentIndex = i
			break
		}
	}
	p.stampUsedLocked(chosen, now)
	p.persistLocked()
	return chosen
}

func (p *AccountPool) stampUsedLocked(a *Account, now time.Time) {
	a.mu.Lock()
	a.LastUsed = now
	a.mu.Unlock()
	p.lastUsedAccount = a.Email
	p.lastUsedAt = now
}

// clearExpiredLimitsLocked reconciles any account whose cooldown has expired.
func (p *AccountPool) clearExpiredLimitsLocked(now time.Time) {
	for _, a := range p.accounts {
		a.mu.Lock()
		if a.IsRateLimited && !a.RateLimitResetTime.IsZero() && !a.RateLimitResetTime.After(now) {
			a.IsRateLimited = false
			a.RateLimitResetTime = time.Time{}
			a.rescore(now)
		}
		a.mu.Unlock()
	}
}

// ResetAllRateLimits clears every account's rate-limit state. Called by the
// pipeline when every account is currently marked rate-limited, so the next
// request probes the upstream instead of refusing locally.
func (p *AccountPool) ResetAllRateLimits() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, a := range p.accounts {
		a.mu.Lock()
		a.IsRateLimited = false
		a.RateLimitResetTime = time.Time{}
		a.rescore(now)
		a.mu.Unlock()
	}
	p.persistLocked()
}

// AllRateLimited reports whether every account is currently rate-limited.
func (p *AccountPool) AllRateLimited() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.accounts) == 0 {
		return false
	}
	for _, a := range p.accounts {
		a.mu.Lock()
		limited := a.IsRateLimited
		a.mu.Unlock()
		if !limited {
			return false
		}
	}
	return true
}

func (p *AccountPool) findLocked(email string) *Account {
	for _, a := range p.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// Find returns the account by email, or nil.
func (p *AccountPool) Find(email string) *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.findLocked(email)
}

// RecordSuccess applies a successful dispatch outcome to the account.
func (p *AccountPool) RecordSuccess(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findLocked(email)
	if a == nil {
		return
	}
	now := time.Now()
	a.mu.Lock()
	a.Stats.SuccessCount++
	a.Stats.LastSuccessAt = now
	a.IsRateLimited = false
	a.RateLimitResetTime = time.Time{}
	a.IsInvalid = false
	a.rescore(now)
	a.mu.Unlock()
	p.recomputeRecommendedLocked()
	p.persistLocked()
}

// MarkRateLimited applies a 429/overloaded outcome. cooldownMs <= 0 uses the
// pool's configured default.
func (p *AccountPool) MarkRateLimited(email string, cooldownMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findLocked(email)
	if a == nil {
		return
	}
	if cooldownMs <= 0 {
		cooldownMs = p.settings.CooldownDurationMs
	}
	now := time.Now()
	a.mu.Lock()
	a.IsRateLimited = true
	a.RateLimitResetTime = now.Add(time.Duration(cooldownMs) * time.Millisecond)
	a.Stats.ErrorCount++
	a.Stats.LastFailureAt = now
	a.rescore(now)
	a.mu.Unlock()
	p.recomputeRecommendedLocked()
	p.persistLocked()
}

// MarkInvalid permanently excludes the account until an operator intervenes.
func (p *AccountPool) MarkInvalid(email, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findLocked(email)
	if a == nil {
		return
	}
	now := time.Now()
	a.mu.Lock()
	a.IsInvalid = true
	a.InvalidReason = reason
	a.InvalidAt = now
	a.rescore(now)
	a.mu.Unlock()
	log.Printf("warning: account %s marked invalid (%s); re-enroll this credential", email, reason)
	p.recomputeRecommendedLocked()
	p.persistLocked()
}

// FailureOptions configures RecordFailure's combined mutation.
type FailureOptions struct {
	RateLimitMs int64
	Invalidate  bool
	Reason      string
}

// RecordFailure dispatches to MarkInvalid or MarkRateLimited depending on the
// classified error.
func (p *AccountPool) RecordFailure(email string, opts FailureOptions) {
	if opts.Invalidate {
		p.MarkInvalid(email, opts.Reason)
		return
	}
	p.MarkRateLimited(email, opts.RateLimitMs)
}

// recomputeRecommendedLocked sets Recommended on the single non-invalid
// account with the strictly highest score, provided that score is positive.
func (p *AccountPool) recomputeRecommendedLocked() {
	var best *Account
	bestScore := 0
	tie := false
	for _, a := range p.accounts {
		a.mu.Lock()
		invalid := a.IsInvalid
		score := a.HealthScore
		a.mu.Unlock()
		if invalid {
			continue
		}
		if score > bestScore {
			best = a
			bestScore = score
			tie = false
		} else if score == bestScore && best != nil {
			tie = true
		}
	}
	for _, a := range p.accounts {
		a.mu.Lock()
		a.Recommended = !tie && best == a && bestScore > 0
		a.mu.Unlock()
	}
}

// persistLocked writes back to the credential store, best-effort.
func (p *AccountPool) persistLocked() {
	if p.store == nil {
		return
	}
	snapshot := p.snapshotDocLocked()
	go func() {
		if err := p.store.Save(snapshot); err != nil {
			log.Printf("warning: failed to persist account pool: %v", err)
		}
	}()
}

func (p *AccountPool) snapshotDocLocked() CredentialDocument {
	doc := CredentialDocument{
		Accounts:    make([]Account, len(p.accounts)),
		Settings:    p.settings,
		ActiveIndex: p.currentIndex,
	}
	for i, a := range p.accounts {
		a.mu.Lock()
		doc.Accounts[i] = *a
		a.mu.Unlock()
	}
	return doc
}

// Snapshot returns a consistent copy of every account, used by /health and
// /account-limits.
func (p *AccountPool) Snapshot() []Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Account, len(p.accounts))
	for i, a := range p.accounts {
		a.mu.Lock()
		out[i] = *a
		a.mu.Unlock()
	}
	return out
}

// Replace swaps the pool's account set (administrative reload).
func (p *AccountPool) Replace(accounts []*Account, activeIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = accounts
	if activeIndex < 0 || activeIndex >= len(accounts) {
		activeIndex = 0
	}
	p.currentIndex = activeIndex
	p.lastUsedAccount = ""
	p.lastUsedAt = time.Time{}
}
