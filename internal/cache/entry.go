// Package cache implements the read-through cache every metric goes
// through: a Gate enforcing TTLs over a pluggable byte Store.
package cache

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Entry is the envelope persisted in the store. Expiry is judged from
// StoredAt and TTLSeconds on read, whatever the store itself does.
type Entry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	StoredAt   time.Time       `json:"stored_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
}

// ExpiresAt is the last instant the entry is live.
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports storedAt + ttl < now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt().Before(now)
}

func encodeEntry(e Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(key string, b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry %s: %w", key, err)
	}
	if e.Key != key {
		return Entry{}, fmt.Errorf("decode entry %s: stored under key %q", key, e.Key)
	}
	if len(e.Value) == 0 {
		return Entry{}, fmt.Errorf("decode entry %s: empty value", key)
	}
	return e, nil
}

// Key derives a metric key from its name and request parameters. Parameters
// are sorted by name; empty values are dropped and values are trimmed.
func Key(metric string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k, v := range params {
		if strings.TrimSpace(v) == "" {
			continue
		}
		names = append(names, k)
	}
	if len(names) == 0 {
		return metric
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(metric)
	for _, k := range names {
		b.WriteByte('-')
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(strings.TrimSpace(params[k])))
	}
	return b.String()
}
