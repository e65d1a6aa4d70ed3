package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	quotaBucketRequests = "quota_requests"
	quotaBucketAccounts = "quota_accounts"
)

// QuotaRecord is one request's token consumption, attributed to an account
// and model, backing the aggregated view served by GET /account-limits.
type QuotaRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Email        string    `json:"email"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
}

// ModelUsage aggregates QuotaRecords for one (email, model) pair.
type ModelUsage struct {
	RequestCount int64 `json:"requestCount"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// QuotaStore is a bbolt-backed ledger of per-account per-model usage,
// pruned on a retention window so it doesn't grow unbounded.
type QuotaStore struct {
	db        *bbolt.DB
	retention time.Duration
	nextPrune time.Time
}

// NewQuotaStore opens (creating if absent) the bbolt database at path.
func NewQuotaStore(path string, retentionDays int) (*QuotaStore, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(quotaBucketRequests)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(quotaBucketAccounts))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &QuotaStore{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		nextPrune: time.Now().Add(time.Hour),
	}, nil
}

func (s *QuotaStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func accountModelKey(email, model string) []byte {
	return []byte(email + "\x1f" + model)
}

// Record stores one request's usage and updates its (email, model)
// aggregate in the same transaction.
func (s *QuotaStore) Record(rec QuotaRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	key := fmt.Sprintf("%s|%020d", rec.Email, rec.Timestamp.UnixNano())
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(quotaBucketRequests)).Put([]byte(key), val); err != nil {
			return err
		}
		b := tx.Bucket([]byte(quotaBucketAccounts))
		aggKey := accountModelKey(rec.Email, rec.Model)
		var agg ModelUsage
		if raw := b.Get(aggKey); raw != nil {
			_ = json.Unmarshal(raw, &agg)
		}
		agg.RequestCount++
		agg.InputTokens += rec.InputTokens
		agg.OutputTokens += rec.OutputTokens
		encoded, err := json.Marshal(agg)
		if err != nil {
			return err
		}
		return b.Put(aggKey, encoded)
	})
	if err != nil {
		return err
	}

	if time.Now().After(s.nextPrune) {
		s.prune()
	}
	return nil
}

func (s *QuotaStore) prune() {
	cutoff := time.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(quotaBucketRequests)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			parts := strings.SplitN(string(k), "|", 2)
			if len(parts) != 2 {
				continue
			}
			var nanos int64
			if _, err := fmt.Sscanf(parts[1], "%d", &nanos); err != nil {
				continue
			}
			if time.Unix(0, nanos).Before(cutoff) {
				_ = c.Delete()
			} else {
				break
			}
		}
		return nil
	})
	s.nextPrune = time.Now().Add(time.Hour)
}

// AccountLimitsSnapshot is the response shape for GET /account-limits.
type AccountLimitsSnapshot struct {
	Email      string                `json:"email"`
	HealthScore int                  `json:"healthScore"`
	Models     map[string]ModelUsage `json:"models"`
}

// Snapshot loads the per-model aggregates for every known email prefix
// among accounts, merging in pool state.
func (s *QuotaStore) Snapshot(accounts []Account) ([]AccountLimitsSnapshot, error) {
	out := make([]AccountLimitsSnapshot, 0, len(accounts))
	for _, a := range accounts {
		entry := AccountLimitsSnapshot{Email: a.Email, HealthScore: a.HealthScore, Models: map[string]ModelUsage{}}
		if s != nil && s.db != nil {
			prefix := []byte(a.Email + "\x1f")
			err := s.db.View(func(tx *bbolt.Tx) error {
				c := tx.Bucket([]byte(quotaBucketAccounts)).Cursor()
				for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
					model := strings.TrimPrefix(string(k), string(prefix))
					var usage ModelUsage
					if err := json.Unmarshal(v, &usage); err != nil {
						continue
					}
					entry.Models[model] = usage
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
